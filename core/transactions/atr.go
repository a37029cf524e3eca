package transactions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-transactions/core/kv"
)

const atrKeyPrefix = "_txn:atr-"

// atrCasRetries bounds the read-modify-write loop on an ATR document.
// ATR shards are shared by many transactions, so CAS races here are
// expected and absorbed locally rather than failing the attempt.
const atrCasRetries = 16

// errAttemptEntryMissing reports that the attempt's entry is no longer
// in the ATR: some other party (usually cleanup) already resolved it.
var errAttemptEntryMissing = errors.New("transactions: attempt entry missing from atr")

// atrStateRank enforces forward-only state recording.
var atrStateRank = map[jsonAtrState]int{
	jsonAtrStatePending:    1,
	jsonAtrStateCommitting: 2,
	jsonAtrStateCommitted:  3,
	jsonAtrStateCompleted:  4,
	jsonAtrStateAborted:    2,
	jsonAtrStateRolledBack: 3,
}

// atrManager does durable bookkeeping only: it records attempt progress
// in Active Transaction Records, it never decides outcomes. Every write
// is CAS-conditioned on the ATR document so a live attempt and a
// concurrent cleanup sweep cannot corrupt the record between them.
type atrManager struct {
	executor   kv.Executor
	keyspace   kv.Location
	numATRs    int
	durability kv.DurabilityLevel
	logger     *zap.Logger
}

func newATRManager(executor kv.Executor, keyspace kv.Location, numATRs int, durability kv.DurabilityLevel, logger *zap.Logger) *atrManager {
	return &atrManager{
		executor:   executor,
		keyspace:   keyspace,
		numATRs:    numATRs,
		durability: durability,
		logger:     logger.With(zap.String("component", "atr_manager")),
	}
}

// locationFor shards a transaction id onto one of the ATR documents.
func (m *atrManager) locationFor(txnID string) kv.Location {
	h := fnv.New32a()
	h.Write([]byte(txnID))
	loc := m.keyspace
	loc.Key = fmt.Sprintf("%s%d", atrKeyPrefix, h.Sum32()%uint32(m.numATRs))
	return loc
}

// locationForShard addresses an ATR document directly; the cleanup
// subsystem iterates shards this way.
func (m *atrManager) locationForShard(shard int) kv.Location {
	loc := m.keyspace
	loc.Key = fmt.Sprintf("%s%d", atrKeyPrefix, shard)
	return loc
}

// fetch reads an ATR document. A missing document returns (nil, 0, nil):
// no attempts recorded on that shard.
func (m *atrManager) fetch(ctx context.Context, loc kv.Location) (*jsonAtr, kv.Cas, error) {
	res, err := waitGet(ctx, m.executor, loc, kv.GetOptions{})
	if errors.Is(err, kv.ErrDocumentNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, newOpError(classOf(err), err, "fetch atr %s", loc)
	}
	var doc jsonAtr
	if err := json.Unmarshal(res.Value, &doc); err != nil {
		return nil, 0, newOpError(classHard, err, "corrupt atr %s", loc)
	}
	if doc.Attempts == nil {
		doc.Attempts = make(map[string]*jsonAtrAttempt)
	}
	return &doc, res.Cas, nil
}

// mutate applies fn to the ATR document under a CAS read-modify-write
// loop, creating the document if it does not exist and deleting it when
// the last attempt entry is removed.
func (m *atrManager) mutate(ctx context.Context, loc kv.Location, fn func(*jsonAtr) error) error {
	for i := 0; i < atrCasRetries; i++ {
		res, err := waitGet(ctx, m.executor, loc, kv.GetOptions{})
		switch {
		case errors.Is(err, kv.ErrDocumentNotFound):
			doc := &jsonAtr{Attempts: make(map[string]*jsonAtrAttempt)}
			if err := fn(doc); err != nil {
				return err
			}
			if len(doc.Attempts) == 0 {
				return nil
			}
			raw, err := json.Marshal(doc)
			if err != nil {
				return newOpError(classHard, err, "encode atr %s", loc)
			}
			_, err = waitInsert(ctx, m.executor, loc, raw, kv.MutateOptions{Durability: m.durability})
			if errors.Is(err, kv.ErrDocumentExists) {
				continue
			}
			if err != nil {
				return newOpError(classOf(err), err, "create atr %s", loc)
			}
			return nil
		case err != nil:
			return newOpError(classOf(err), err, "read atr %s", loc)
		}

		var doc jsonAtr
		if err := json.Unmarshal(res.Value, &doc); err != nil {
			return newOpError(classHard, err, "corrupt atr %s", loc)
		}
		if doc.Attempts == nil {
			doc.Attempts = make(map[string]*jsonAtrAttempt)
		}
		if err := fn(&doc); err != nil {
			return err
		}

		if len(doc.Attempts) == 0 {
			err = waitRemove(ctx, m.executor, loc, kv.MutateOptions{Cas: res.Cas, Durability: m.durability})
			if errors.Is(err, kv.ErrCasMismatch) {
				continue
			}
			if err != nil && !errors.Is(err, kv.ErrDocumentNotFound) {
				return newOpError(classOf(err), err, "remove atr %s", loc)
			}
			return nil
		}

		raw, err := json.Marshal(&doc)
		if err != nil {
			return newOpError(classHard, err, "encode atr %s", loc)
		}
		_, err = waitReplace(ctx, m.executor, loc, raw, kv.MutateOptions{Cas: res.Cas, Durability: m.durability})
		if errors.Is(err, kv.ErrCasMismatch) {
			continue
		}
		if err != nil {
			return newOpError(classOf(err), err, "update atr %s", loc)
		}
		return nil
	}
	return newOpError(classTransient, kv.ErrCasMismatch, "atr contention on %s", loc)
}

// createPending records the attempt in PENDING state. This write must
// land before any document staging is considered valid: the ATR is the
// only durable record of in-flight work.
func (m *atrManager) createPending(ctx context.Context, loc kv.Location, attemptID string, attempt *jsonAtrAttempt) error {
	return m.mutate(ctx, loc, func(doc *jsonAtr) error {
		if _, ok := doc.Attempts[attemptID]; ok {
			return nil
		}
		entry := *attempt
		entry.State = jsonAtrStatePending
		doc.Attempts[attemptID] = &entry
		return nil
	})
}

// addStagedRef appends a staged-document reference under the attempt,
// moving it between operation lists if the document was restaged as a
// different operation kind.
func (m *atrManager) addStagedRef(ctx context.Context, loc kv.Location, attemptID string, ref jsonAtrMutation, op jsonMutationType) error {
	return m.mutate(ctx, loc, func(doc *jsonAtr) error {
		attempt, ok := doc.Attempts[attemptID]
		if !ok {
			return errAttemptEntryMissing
		}
		attempt.Inserts = dropRef(attempt.Inserts, ref)
		attempt.Replaces = dropRef(attempt.Replaces, ref)
		attempt.Removes = dropRef(attempt.Removes, ref)
		switch op {
		case jsonMutationInsert:
			attempt.Inserts = append(attempt.Inserts, ref)
		case jsonMutationReplace:
			attempt.Replaces = append(attempt.Replaces, ref)
		case jsonMutationRemove:
			attempt.Removes = append(attempt.Removes, ref)
		}
		return nil
	})
}

// dropStagedRef removes a staged-document reference (used when an
// attempt unstages its own staged insert via Remove).
func (m *atrManager) dropStagedRef(ctx context.Context, loc kv.Location, attemptID string, ref jsonAtrMutation) error {
	return m.mutate(ctx, loc, func(doc *jsonAtr) error {
		attempt, ok := doc.Attempts[attemptID]
		if !ok {
			return errAttemptEntryMissing
		}
		attempt.Inserts = dropRef(attempt.Inserts, ref)
		attempt.Replaces = dropRef(attempt.Replaces, ref)
		attempt.Removes = dropRef(attempt.Removes, ref)
		return nil
	})
}

// setState advances the attempt's recorded state. Regressions are
// ignored rather than written; a tardy writer cannot move a record
// backwards past what a concurrent resolver already recorded.
func (m *atrManager) setState(ctx context.Context, loc kv.Location, attemptID string, state jsonAtrState) error {
	err := m.mutate(ctx, loc, func(doc *jsonAtr) error {
		attempt, ok := doc.Attempts[attemptID]
		if !ok {
			return errAttemptEntryMissing
		}
		if atrStateRank[state] < atrStateRank[attempt.State] {
			return nil
		}
		attempt.State = state
		return nil
	})
	if err == nil {
		m.logger.Debug("atr state recorded",
			zap.String("atr", loc.Key),
			zap.String("attempt_id", attemptID),
			zap.String("state", string(state)))
	}
	return err
}

// removeAttempt prunes the attempt's entry; the ATR document itself is
// deleted once its last entry goes.
func (m *atrManager) removeAttempt(ctx context.Context, loc kv.Location, attemptID string) error {
	return m.mutate(ctx, loc, func(doc *jsonAtr) error {
		delete(doc.Attempts, attemptID)
		return nil
	})
}

func dropRef(refs []jsonAtrMutation, ref jsonAtrMutation) []jsonAtrMutation {
	out := refs[:0]
	for _, r := range refs {
		if r != ref {
			out = append(out, r)
		}
	}
	return out
}
