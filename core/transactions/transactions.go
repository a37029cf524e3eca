// Package transactions is the client-side engine that gives GojoDB
// multi-document ACID semantics without server-side transaction support.
// Caller logic runs against an AttemptContext; the engine stages every
// mutation durably, records progress in Active Transaction Records, and
// either applies everything at commit or reverts everything on failure,
// surviving client crashes through the background cleanup subsystem.
package transactions

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-transactions/core/kv"
)

// Logic is the caller-supplied transaction body. It may call the
// AttemptContext's operations any number of times; returning an error
// (or panicking) triggers rollback and classification.
type Logic func(ctx context.Context, attempt *AttemptContext) error

// Transactions is the process-wide transaction coordinator. It owns the
// configuration, the cleanup subsystem's lifecycle, and the run entry
// points.
type Transactions struct {
	executor kv.Executor
	config   *Config
	logger   *zap.Logger
	metrics  *engineMetrics
	cleaner  *Cleaner

	mu      sync.Mutex
	closed  bool
	workers sync.WaitGroup
}

// New constructs a coordinator and, unless disabled in the config,
// starts the background cleanup subsystem.
func New(executor kv.Executor, config *Config) *Transactions {
	if config == nil {
		config = NewConfig().Build()
	}
	metrics := newEngineMetrics(config.meter)
	t := &Transactions{
		executor: executor,
		config:   config,
		logger:   config.logger.With(zap.String("component", "transactions")),
		metrics:  metrics,
	}
	if config.cleanupEnabled {
		t.cleaner = newCleaner(executor, config, metrics)
	}
	t.logger.Debug("transaction coordinator created",
		zap.Duration("timeout", config.timeout),
		zap.String("durability", config.durability.String()),
		zap.Bool("cleanup", config.cleanupEnabled))
	return t
}

// Close stops the cleanup subsystem and waits for all outstanding
// callback-based runs to finish. No new runs are accepted afterwards.
func (t *Transactions) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	if t.cleaner != nil {
		t.cleaner.Close()
	}
	t.workers.Wait()
	t.logger.Debug("transaction coordinator closed")
}

func (t *Transactions) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrCoordinatorClosed
	}
	return nil
}

// admitWorker registers a background run. The closed check and the
// WaitGroup increment happen under the same lock Close takes, so a run
// is either refused or fully admitted before Close begins waiting;
// nothing can slip in between.
func (t *Transactions) admitWorker() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrCoordinatorClosed
	}
	t.workers.Add(1)
	return nil
}

// Run executes logic as one transaction, blocking until it commits or
// terminally fails. It always returns a Result; the error, when non-nil,
// is a *TransactionError wrapping the same Result.
func (t *Transactions) Run(ctx context.Context, logic Logic, perConfig ...*PerTransactionConfig) (*Result, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	return t.run(ctx, logic, perConfig...)
}

// run is Run without the closed gate. Workers admitted before Close
// began still execute to completion; Close waits for them.
func (t *Transactions) run(ctx context.Context, logic Logic, perConfig ...*PerTransactionConfig) (*Result, error) {
	cfg := t.config
	if len(perConfig) > 0 {
		cfg = cfg.resolve(perConfig[0])
	}
	res := t.executeRun(ctx, cfg, logic)
	if res.Ctx.kind != ErrorKindNone {
		return res, &TransactionError{Result: res}
	}
	return res, nil
}

// RunWithCallback executes logic on a tracked worker and delivers the
// outcome through cb exactly once. Close waits for all such workers.
func (t *Transactions) RunWithCallback(ctx context.Context, logic Logic, cb func(*Result, error), perConfig ...*PerTransactionConfig) error {
	if err := t.admitWorker(); err != nil {
		return err
	}
	go func() {
		defer t.workers.Done()
		cb(t.run(ctx, logic, perConfig...))
	}()
	return nil
}

// SingleQuery runs one statement as a complete transaction. The rows are
// delivered through cb exactly once, after the surrounding transaction
// resolves; the response is consumed directly from the query callback's
// single resolution.
func (t *Transactions) SingleQuery(ctx context.Context, statement string, opts kv.QueryOptions, cb kv.QueryCallback, perConfig ...*PerTransactionConfig) error {
	if err := t.admitWorker(); err != nil {
		return err
	}
	go func() {
		defer t.workers.Done()
		var response *kv.QueryResult
		logic := func(ctx context.Context, attempt *AttemptContext) error {
			type outcome struct {
				res *kv.QueryResult
				err error
			}
			ch := make(chan outcome, 1)
			attempt.Query(ctx, statement, opts, func(res *kv.QueryResult, err error) {
				ch <- outcome{res, err}
			})
			out := <-ch
			if out.err != nil {
				return out.err
			}
			response = out.res
			return nil
		}
		if _, err := t.run(ctx, logic, perConfig...); err != nil {
			cb(nil, err)
			return
		}
		cb(response, nil)
	}()
	return nil
}

// executeRun is the retry loop: a fresh AttemptContext per iteration,
// exponential backoff between iterations, the classifier deciding retry
// versus rollback versus fatal, and every outcome folded into the final
// Result. It returns exactly once and never lets an internal error
// escape silently.
func (t *Transactions) executeRun(ctx context.Context, cfg *Config, logic Logic) *Result {
	tc := newTransactionContext(t.executor, cfg, t.metrics)
	logger := tc.logger

	finalize := func(kind ErrorKind, cause error, unstaged bool) *Result {
		res := &Result{
			TransactionID:     tc.id,
			UnstagingComplete: unstaged,
			Attempts:          tc.attempts,
			Ctx:               ErrorContext{kind: kind, cause: cause},
		}
		logger.Debug("transaction finalized",
			zap.String("kind", kind.String()),
			zap.Int("attempts", tc.attempts),
			zap.Bool("unstaging_complete", unstaged),
			zap.NamedError("cause", cause))
		return res
	}

	for tc.attempts < cfg.maxAttempts {
		attempt := tc.newAttempt()
		t.metrics.recordAttempt(ctx)

		logicErr := runLogic(ctx, attempt, logic)

		// The first operation failure poisons the attempt even when
		// logic swallows it; only then does logic's own error count.
		err := attempt.pendingError()
		if err == nil && logicErr != nil {
			err = coerceLogicError(attempt, logicErr)
		}

		if err == nil {
			if commitErr := attempt.commit(ctx); commitErr != nil {
				err = commitErr
			} else {
				t.metrics.recordCommit(ctx)
				return finalize(ErrorKindNone, nil, true)
			}
		}

		action := classify(err)
		cause := rootCause(err)
		logger.Debug("attempt resolved with failure",
			zap.String("attempt_id", attempt.id),
			zap.String("action", action.String()),
			zap.Error(err))

		switch action {
		case actionRetryNewAttempt:
			t.rollbackQuietly(ctx, attempt)
			if tc.expired() {
				t.metrics.recordExpiration(ctx)
				return finalize(ErrorKindExpired, cause, false)
			}
			time.Sleep(tc.nextBackoff())

		case actionFailRollback:
			t.rollbackQuietly(ctx, attempt)
			return finalize(ErrorKindFailed, cause, false)

		case actionFailExpired:
			t.rollbackQuietly(ctx, attempt)
			attempt.setLocalState(AttemptStateExpired)
			t.metrics.recordExpiration(ctx)
			return finalize(ErrorKindExpired, cause, false)

		case actionFailPostCommit:
			// The commit decision is durable; cleanup finishes the
			// unstaging asynchronously.
			return finalize(ErrorKindFailedPostCommit, cause, false)

		case actionFailFatal:
			// State unknown: no rollback attempted.
			return finalize(ErrorKindFatal, cause, false)
		}
	}

	return finalize(ErrorKindFailed, ErrAttemptsExhausted, false)
}

// rollbackQuietly reverts an attempt, logging (not propagating) any
// failure: an unfinished rollback is the cleanup subsystem's to resume.
func (t *Transactions) rollbackQuietly(ctx context.Context, attempt *AttemptContext) {
	if err := attempt.rollback(ctx); err != nil {
		attempt.logger.Warn("rollback incomplete, deferring to cleanup", zap.Error(err))
		return
	}
	t.metrics.recordRollback(ctx)
}

// runLogic invokes the caller's transaction body, converting a panic
// into the same unknown-failure path as a returned error.
func runLogic(ctx context.Context, attempt *AttemptContext, logic Logic) (err error) {
	defer func() {
		if r := recover(); r != nil {
			attempt.logger.Warn("panic in transaction logic", zap.Any("panic", r))
			err = newOpError(classOther, ErrCauseUnknown, "panic in transaction logic: %v", r)
		}
	}()
	return logic(ctx, attempt)
}

// coerceLogicError normalizes an error returned by caller logic. Engine
// errors keep their classification; anything else is the unknown-failure
// path (rollback, no retry, cause recorded as unknown).
func coerceLogicError(attempt *AttemptContext, err error) error {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr
	}
	attempt.logger.Debug("transaction logic returned error", zap.Error(err))
	return newOpError(classOther, ErrCauseUnknown, "transaction logic failed: %v", err)
}
