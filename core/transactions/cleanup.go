package transactions

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojodb-transactions/core/kv"
)

// cleanupScanRate paces ATR reads during a sweep so a large shard count
// does not hammer the metadata collection.
const (
	cleanupScanRate  = rate.Limit(1000)
	cleanupScanBurst = 100
)

// Cleaner is the lost-transaction cleanup subsystem: a background loop
// that scans the ATR shards and resolves attempts abandoned past their
// expiry, exactly as the owning attempt would have. Every mutating step
// is CAS-conditioned on both the document and the ATR, so racing a tardy
// original attempt is safe.
type Cleaner struct {
	executor kv.Executor
	atr      *atrManager
	config   *Config
	limiter  *rate.Limiter
	hooks    *CleanupHooks
	logger   *zap.Logger
	metrics  *engineMetrics

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// newCleaner constructs the cleaner and starts its sweep loop. The
// coordinator owns the lifecycle: started on construction, stopped on
// Close.
func newCleaner(executor kv.Executor, config *Config, metrics *engineMetrics) *Cleaner {
	c := &Cleaner{
		executor: executor,
		atr:      newATRManager(executor, config.metadataCollection, config.numATRs, config.durability, config.logger),
		config:   config,
		limiter:  rate.NewLimiter(cleanupScanRate, cleanupScanBurst),
		hooks:    config.cleanupHooks,
		logger:   config.logger.With(zap.String("component", "cleanup")),
		metrics:  metrics,
		stopChan: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.loop()
	return c
}

// Close stops the sweep loop and waits for an in-flight sweep to finish.
func (c *Cleaner) Close() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()
}

func (c *Cleaner) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.cleanupWindow)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			resolved, err := c.SweepOnce(context.Background())
			if err != nil {
				c.logger.Warn("cleanup sweep failed", zap.Error(err))
			} else if resolved > 0 {
				c.logger.Info("cleanup sweep resolved abandoned attempts", zap.Int("resolved", resolved))
			}
		}
	}
}

// SweepOnce scans every ATR shard and resolves all expired non-terminal
// attempts it finds. It returns the number of attempts resolved.
// Exported so operators (and tests) can force a sweep.
func (c *Cleaner) SweepOnce(ctx context.Context) (int, error) {
	resolved := 0
	var firstErr error
	for shard := 0; shard < c.config.numATRs; shard++ {
		select {
		case <-c.stopChan:
			return resolved, firstErr
		default:
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return resolved, err
		}
		loc := c.atr.locationForShard(shard)
		doc, _, err := c.atr.fetch(ctx, loc)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if doc == nil {
			continue
		}
		now := time.Now().UnixMilli()
		for attemptID, entry := range doc.Attempts {
			if entry.State.terminal() {
				continue
			}
			// Never race a live attempt: only act past its expiry.
			if entry.ExpiryTime == 0 || now <= entry.ExpiryTime {
				continue
			}
			if err := c.resolveAttempt(ctx, loc, attemptID, entry); err != nil {
				c.logger.Warn("failed to resolve abandoned attempt",
					zap.String("attempt_id", attemptID),
					zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			resolved++
		}
	}
	return resolved, firstErr
}

// resolveAttempt finishes an abandoned attempt: commit-forward when the
// recorded state shows it progressed past staging, roll back otherwise.
func (c *Cleaner) resolveAttempt(ctx context.Context, atrLoc kv.Location, attemptID string, entry *jsonAtrAttempt) error {
	if err := c.hooks.beforeATRResolve(attemptID); err != nil {
		return err
	}
	c.logger.Debug("resolving abandoned attempt",
		zap.String("txn_id", entry.TransactionID),
		zap.String("attempt_id", attemptID),
		zap.String("state", string(entry.State)))

	switch entry.State {
	case jsonAtrStateCommitting, jsonAtrStateCommitted:
		return c.commitForward(ctx, atrLoc, attemptID, entry)
	default:
		return c.rollBack(ctx, atrLoc, attemptID, entry)
	}
}

// commitForward applies the staged content of every document still
// carrying this attempt's metadata, then retires the ATR entry. Steps
// already performed by the original attempt (or an earlier sweep) are
// detected by the metadata being gone and skipped.
func (c *Cleaner) commitForward(ctx context.Context, atrLoc kv.Location, attemptID string, entry *jsonAtrAttempt) error {
	for _, ref := range entry.stagedRefs() {
		if err := c.hooks.beforeCommitDoc(ref.loc.Key); err != nil {
			return err
		}
		res, meta, err := c.fetchStaged(ctx, ref.loc, attemptID)
		if err != nil {
			return err
		}
		if meta == nil {
			continue
		}
		switch meta.Operation.Type {
		case jsonMutationRemove:
			err = waitRemove(ctx, c.executor, ref.loc, kv.MutateOptions{
				Cas:        res.Cas,
				Durability: c.config.durability,
			})
		default:
			_, err = waitReplace(ctx, c.executor, ref.loc, meta.Operation.Staged, kv.MutateOptions{
				Cas:           res.Cas,
				AccessDeleted: res.Deleted,
				Durability:    c.config.durability,
			})
		}
		if err != nil && !errors.Is(err, kv.ErrDocumentNotFound) {
			return err
		}
	}

	if err := c.atr.setState(ctx, atrLoc, attemptID, jsonAtrStateCompleted); err != nil && !errors.Is(err, errAttemptEntryMissing) {
		return err
	}
	if err := c.atr.removeAttempt(ctx, atrLoc, attemptID); err != nil {
		return err
	}
	c.metrics.recordCleanupResolved(ctx, "commit")
	c.hooks.onAttemptResolved(attemptID, "commit")
	return nil
}

// rollBack reverts every document still carrying this attempt's
// metadata: staged-insert tombstones are deleted, staged replaces and
// removes have the metadata stripped (their committed value was never
// touched by staging).
func (c *Cleaner) rollBack(ctx context.Context, atrLoc kv.Location, attemptID string, entry *jsonAtrAttempt) error {
	for _, ref := range entry.stagedRefs() {
		if err := c.hooks.beforeRollbackDoc(ref.loc.Key); err != nil {
			return err
		}
		res, meta, err := c.fetchStaged(ctx, ref.loc, attemptID)
		if err != nil {
			return err
		}
		if meta == nil {
			continue
		}
		if res.Deleted {
			err = waitRemove(ctx, c.executor, ref.loc, kv.MutateOptions{
				Cas:           res.Cas,
				AccessDeleted: true,
				Durability:    c.config.durability,
			})
		} else {
			_, err = waitReplace(ctx, c.executor, ref.loc, res.Value, kv.MutateOptions{
				Cas:        res.Cas,
				Durability: c.config.durability,
			})
		}
		if err != nil && !errors.Is(err, kv.ErrDocumentNotFound) {
			return err
		}
	}

	if err := c.atr.setState(ctx, atrLoc, attemptID, jsonAtrStateRolledBack); err != nil && !errors.Is(err, errAttemptEntryMissing) {
		return err
	}
	if err := c.atr.removeAttempt(ctx, atrLoc, attemptID); err != nil {
		return err
	}
	c.metrics.recordCleanupResolved(ctx, "rollback")
	c.hooks.onAttemptResolved(attemptID, "rollback")
	return nil
}

// fetchStaged reads a document and returns its transaction metadata only
// if it still belongs to the attempt being resolved. (nil, nil, nil)
// means there is nothing left to do for this document.
func (c *Cleaner) fetchStaged(ctx context.Context, loc kv.Location, attemptID string) (*kv.GetResult, *jsonTxnMeta, error) {
	res, err := waitGet(ctx, c.executor, loc, kv.GetOptions{AccessDeleted: true})
	if errors.Is(err, kv.ErrDocumentNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	meta, err := parseTxnMeta(res.Meta)
	if err != nil {
		return nil, nil, err
	}
	if meta == nil || meta.ID.Attempt != attemptID {
		return nil, nil, nil
	}
	return res, meta, nil
}
