package transactions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-transactions/core/kv"
)

// AttemptState is the local state of one attempt. It only ever advances.
type AttemptState int

const (
	AttemptStateNothingWritten AttemptState = iota
	AttemptStatePending
	AttemptStateCommitting
	AttemptStateCommitted
	AttemptStateCompleted
	AttemptStateAborted
	AttemptStateRolledBack
	AttemptStateExpired
)

func (s AttemptState) String() string {
	switch s {
	case AttemptStateNothingWritten:
		return "nothing_written"
	case AttemptStatePending:
		return "pending"
	case AttemptStateCommitting:
		return "committing"
	case AttemptStateCommitted:
		return "committed"
	case AttemptStateCompleted:
		return "completed"
	case AttemptStateAborted:
		return "aborted"
	case AttemptStateRolledBack:
		return "rolled_back"
	case AttemptStateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// terminal reports whether the attempt accepts no further operations.
func (s AttemptState) terminal() bool {
	switch s {
	case AttemptStateCompleted, AttemptStateCommitted, AttemptStateRolledBack, AttemptStateExpired:
		return true
	default:
		return false
	}
}

var attemptStateRank = map[AttemptState]int{
	AttemptStateNothingWritten: 0,
	AttemptStatePending:        1,
	AttemptStateCommitting:     2,
	AttemptStateCommitted:      3,
	AttemptStateCompleted:      4,
	AttemptStateAborted:        2,
	AttemptStateRolledBack:     3,
	AttemptStateExpired:        4,
}

// Document is an immutable snapshot of a document handed to caller
// logic. It never references live attempt state; Replace and Remove take
// it back purely as a (location, revision, content) triple.
type Document struct {
	loc     kv.Location
	cas     kv.Cas
	content json.RawMessage
}

// Location reports where the document lives.
func (d *Document) Location() kv.Location { return d.loc }

// Cas reports the revision this snapshot was taken at.
func (d *Document) Cas() kv.Cas { return d.cas }

// Content unmarshals the snapshot's content into v.
func (d *Document) Content(v any) error {
	return json.Unmarshal(d.content, v)
}

// RawContent returns a copy of the raw snapshot content.
func (d *Document) RawContent() json.RawMessage {
	out := make(json.RawMessage, len(d.content))
	copy(out, d.content)
	return out
}

// getConflictRetries bounds the wait-and-retry loop when a Get lands on
// a document staged by another attempt.
const getConflictRetries = 5

const getConflictBackoff = 50 * time.Millisecond

// AttemptContext executes one attempt of a transaction body: it wraps
// document CRUD with staging semantics, drives the attempt's state
// machine, and performs commit or rollback of everything it staged.
type AttemptContext struct {
	id       string
	txnID    string
	config   *Config
	executor kv.Executor
	atr      *atrManager
	atrLoc   kv.Location
	deadline time.Time
	logger   *zap.Logger
	metrics  *engineMetrics
	hooks    *TestHooks

	mu         sync.Mutex
	state      AttemptState
	atrPending bool
	staged     *stagedMutationArena
	firstError *OperationError
}

// ID is the attempt's unique id, visible so callers can correlate logs
// and query staging.
func (a *AttemptContext) ID() string { return a.id }

// State reports the attempt's current local state.
func (a *AttemptContext) State() AttemptState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// setLocalState advances the state machine; regressions are ignored so
// the state is monotonic by construction.
func (a *AttemptContext) setLocalState(to AttemptState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if attemptStateRank[to] < attemptStateRank[a.state] {
		return
	}
	if a.state == to {
		return
	}
	a.logger.Debug("attempt state transition",
		zap.String("from", a.state.String()),
		zap.String("to", to.String()))
	a.state = to
}

// fail records the first poisoning error of the attempt and returns err.
// A poisoned attempt cannot commit even if caller logic swallows the
// error; the retry loop classifies the recorded error instead.
func (a *AttemptContext) fail(err *OperationError) *OperationError {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.firstError == nil {
		a.firstError = err
	}
	return err
}

// pendingError returns the poisoning error, if any.
func (a *AttemptContext) pendingError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.firstError == nil {
		return nil
	}
	return a.firstError
}

func (a *AttemptContext) expiredNow() bool {
	return time.Now().After(a.deadline)
}

// checkOperation gates every public operation: terminal state is a
// caller contract violation, a crossed deadline fails fast with the
// expiry class.
func (a *AttemptContext) checkOperation(op string) *OperationError {
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()
	if state.terminal() {
		return a.fail(newOpError(classHard, ErrIllegalState, "%s after attempt finished (%s)", op, state))
	}
	if a.expiredNow() {
		return a.fail(newOpError(classExpiry, ErrAttemptExpired, "%s past expiry", op))
	}
	return nil
}

// ensurePending makes sure the attempt is durably recorded in its ATR
// in PENDING state. This happens-before the first staged document write:
// the ATR is the crash-recovery anchor, so no staging is valid until the
// record exists.
func (a *AttemptContext) ensurePending(ctx context.Context) *OperationError {
	a.mu.Lock()
	already := a.atrPending
	a.mu.Unlock()
	if already {
		return nil
	}
	if err := a.hooks.beforeATRPending(); err != nil {
		return a.fail(newOpError(classOf(err), err, "before-atr-pending hook"))
	}
	entry := &jsonAtrAttempt{
		TransactionID: a.txnID,
		StartTime:     time.Now().UnixMilli(),
		ExpiryTime:    a.deadline.UnixMilli(),
		Durability:    a.config.durability.String(),
	}
	if err := a.atr.createPending(ctx, a.atrLoc, a.id, entry); err != nil {
		return a.fail(newOpError(classOf(err), err, "record attempt pending"))
	}
	a.mu.Lock()
	a.atrPending = true
	a.mu.Unlock()
	a.setLocalState(AttemptStatePending)
	if err := a.hooks.afterATRPending(); err != nil {
		return a.fail(newOpError(classOf(err), err, "after-atr-pending hook"))
	}
	return nil
}

// buildMeta assembles the transaction-metadata side channel for a
// staging write.
func (a *AttemptContext) buildMeta(op jsonMutationType, staged json.RawMessage, restoreCas kv.Cas) (json.RawMessage, *OperationError) {
	var meta jsonTxnMeta
	meta.ID.Transaction = a.txnID
	meta.ID.Attempt = a.id
	meta.ATR.Key = a.atrLoc.Key
	meta.ATR.BucketName = a.atrLoc.Bucket
	meta.ATR.ScopeName = a.atrLoc.Scope
	meta.ATR.CollectionName = a.atrLoc.Collection
	meta.Operation.Type = op
	meta.Operation.Staged = staged
	if restoreCas != 0 {
		meta.Restore = &jsonTxnRestore{OriginalCAS: restoreCas}
	}
	raw, err := json.Marshal(&meta)
	if err != nil {
		return nil, newOpError(classHard, err, "encode txn metadata")
	}
	return raw, nil
}

func marshalContent(content any) (json.RawMessage, error) {
	if raw, ok := content.(json.RawMessage); ok {
		out := make(json.RawMessage, len(raw))
		copy(out, raw)
		return out, nil
	}
	return json.Marshal(content)
}

// Get fetches the current content of a document. Within an attempt it is
// read-your-writes: a document this attempt has staged resolves to the
// staged content (or not-found after a staged remove). A document staged
// by another attempt triggers bounded wait-and-retry, then a conflict
// failure. Absence is reported as an error wrapping
// kv.ErrDocumentNotFound and does not by itself fail the transaction.
func (a *AttemptContext) Get(ctx context.Context, loc kv.Location) (*Document, error) {
	if opErr := a.checkOperation("get"); opErr != nil {
		return nil, opErr
	}

	a.mu.Lock()
	sm := a.staged.get(loc)
	a.mu.Unlock()
	if sm != nil {
		switch sm.opType {
		case jsonMutationRemove:
			return nil, newOpError(classDocNotFound, kv.ErrDocumentNotFound, "get %s (staged remove)", loc)
		default:
			return &Document{loc: loc, cas: sm.stagedCas, content: sm.stagedValue}, nil
		}
	}

	for i := 0; i < getConflictRetries; i++ {
		res, err := waitGet(ctx, a.executor, loc, kv.GetOptions{AccessDeleted: true})
		if errors.Is(err, kv.ErrDocumentNotFound) {
			return nil, newOpError(classDocNotFound, kv.ErrDocumentNotFound, "get %s", loc)
		}
		if err != nil {
			return nil, a.fail(newOpError(classOf(err), err, "get %s", loc))
		}

		meta, metaErr := parseTxnMeta(res.Meta)
		if metaErr != nil {
			return nil, a.fail(newOpError(classHard, metaErr, "corrupt txn metadata on %s", loc))
		}
		if meta == nil {
			if res.Deleted {
				return nil, newOpError(classDocNotFound, kv.ErrDocumentNotFound, "get %s", loc)
			}
			return &Document{loc: loc, cas: res.Cas, content: res.Value}, nil
		}

		// Another attempt's staged mutation. Its uncommitted write is
		// invisible: a plain read still sees the committed value, but
		// the engine waits it out so a subsequent write on the handle
		// does not immediately collide.
		if a.expiredNow() {
			return nil, a.fail(newOpError(classExpiry, ErrAttemptExpired, "get %s while waiting on conflict", loc))
		}
		if i < getConflictRetries-1 {
			time.Sleep(getConflictBackoff)
		}
	}
	return nil, a.fail(newOpError(classWriteWriteConflict, ErrWriteWriteConflict, "get %s", loc))
}

// Insert stages a new document. A live committed document at the
// location fails with kv.ErrDocumentExists; another attempt's staged
// insert is a write-write conflict (retried on a fresh attempt).
func (a *AttemptContext) Insert(ctx context.Context, loc kv.Location, content any) (*Document, error) {
	if opErr := a.checkOperation("insert"); opErr != nil {
		return nil, opErr
	}
	raw, err := marshalContent(content)
	if err != nil {
		return nil, a.fail(newOpError(classOther, err, "encode content for insert %s", loc))
	}
	if opErr := a.ensurePending(ctx); opErr != nil {
		return nil, opErr
	}

	a.mu.Lock()
	sm := a.staged.get(loc)
	a.mu.Unlock()
	if sm != nil {
		if sm.opType == jsonMutationRemove {
			// Remove-then-insert inside one attempt collapses to a
			// replace of the original document.
			return a.restage(ctx, sm, jsonMutationReplace, raw)
		}
		return nil, a.fail(newOpError(classDocExists, kv.ErrDocumentExists, "insert %s (already staged)", loc))
	}

	if err := a.hooks.beforeStagedInsert(loc.Key); err != nil {
		return nil, a.fail(newOpError(classOf(err), err, "before-staged-insert hook"))
	}
	metaRaw, opErr := a.buildMeta(jsonMutationInsert, raw, 0)
	if opErr != nil {
		return nil, a.fail(opErr)
	}

	cas, err := waitInsert(ctx, a.executor, loc, nil, kv.MutateOptions{
		Meta:       metaRaw,
		Deleted:    true,
		Durability: a.config.durability,
	})
	if errors.Is(err, kv.ErrDocumentExists) {
		res, gerr := waitGet(ctx, a.executor, loc, kv.GetOptions{AccessDeleted: true})
		if gerr == nil && res.Meta != nil {
			if other, _ := parseTxnMeta(res.Meta); other != nil && other.ID.Attempt != a.id {
				return nil, a.fail(newOpError(classWriteWriteConflict, ErrWriteWriteConflict, "insert %s", loc))
			}
		}
		return nil, a.fail(newOpError(classDocExists, kv.ErrDocumentExists, "insert %s", loc))
	}
	if err != nil {
		return nil, a.fail(newOpError(classOf(err), err, "stage insert %s", loc))
	}

	if err := a.atr.addStagedRef(ctx, a.atrLoc, a.id, atrMutationRef(loc), jsonMutationInsert); err != nil {
		return nil, a.fail(newOpError(classOf(err), err, "record staged insert %s", loc))
	}

	a.mu.Lock()
	a.staged.put(&stagedMutation{
		loc:         loc,
		opType:      jsonMutationInsert,
		stagedValue: raw,
		stagedCas:   cas,
	})
	a.mu.Unlock()
	return &Document{loc: loc, cas: cas, content: raw}, nil
}

// Replace stages new content for a document previously read (or
// inserted) in this attempt. The write is conditioned on the revision
// captured on the handle; a mismatch is retried on a fresh attempt.
func (a *AttemptContext) Replace(ctx context.Context, doc *Document, content any) (*Document, error) {
	if opErr := a.checkOperation("replace"); opErr != nil {
		return nil, opErr
	}
	if doc == nil || doc.cas == 0 {
		return nil, a.fail(newOpError(classOther, ErrCauseUnknown, "replace with unusable document handle"))
	}
	raw, err := marshalContent(content)
	if err != nil {
		return nil, a.fail(newOpError(classOther, err, "encode content for replace %s", doc.loc))
	}
	if opErr := a.ensurePending(ctx); opErr != nil {
		return nil, opErr
	}
	if err := a.hooks.beforeStagedMutate(doc.loc.Key); err != nil {
		return nil, a.fail(newOpError(classOf(err), err, "before-staged-mutate hook"))
	}

	a.mu.Lock()
	sm := a.staged.get(doc.loc)
	a.mu.Unlock()
	if sm != nil {
		// Restaging keeps the original operation kind for an insert so
		// commit still resurrects the tombstone.
		kind := jsonMutationReplace
		if sm.opType == jsonMutationInsert {
			kind = jsonMutationInsert
		}
		return a.restage(ctx, sm, kind, raw)
	}

	return a.stageAgainstLive(ctx, doc, jsonMutationReplace, raw)
}

// Remove stages the removal of a document previously read in this
// attempt. Removing a document this attempt itself staged as an insert
// simply unstages it.
func (a *AttemptContext) Remove(ctx context.Context, doc *Document) error {
	if opErr := a.checkOperation("remove"); opErr != nil {
		return opErr
	}
	if doc == nil || doc.cas == 0 {
		return a.fail(newOpError(classOther, ErrCauseUnknown, "remove with unusable document handle"))
	}
	if opErr := a.ensurePending(ctx); opErr != nil {
		return opErr
	}
	if err := a.hooks.beforeStagedMutate(doc.loc.Key); err != nil {
		return a.fail(newOpError(classOf(err), err, "before-staged-mutate hook"))
	}

	a.mu.Lock()
	sm := a.staged.get(doc.loc)
	a.mu.Unlock()
	if sm != nil && sm.opType == jsonMutationInsert {
		if err := waitRemove(ctx, a.executor, doc.loc, kv.MutateOptions{
			Cas:           sm.stagedCas,
			AccessDeleted: true,
			Durability:    a.config.durability,
		}); err != nil && !errors.Is(err, kv.ErrDocumentNotFound) {
			return a.fail(newOpError(classOf(err), err, "unstage insert %s", doc.loc))
		}
		if err := a.atr.dropStagedRef(ctx, a.atrLoc, a.id, atrMutationRef(doc.loc)); err != nil {
			return a.fail(newOpError(classOf(err), err, "drop staged ref %s", doc.loc))
		}
		a.mu.Lock()
		a.staged.drop(doc.loc)
		a.mu.Unlock()
		return nil
	}
	if sm != nil {
		_, err := a.restage(ctx, sm, jsonMutationRemove, nil)
		return err
	}

	_, err := a.stageAgainstLive(ctx, doc, jsonMutationRemove, nil)
	return err
}

// stageAgainstLive writes the staging metadata onto a live document,
// leaving its committed value untouched so non-transactional readers
// keep seeing the pre-transaction content.
func (a *AttemptContext) stageAgainstLive(ctx context.Context, doc *Document, op jsonMutationType, staged json.RawMessage) (*Document, error) {
	metaRaw, opErr := a.buildMeta(op, staged, doc.cas)
	if opErr != nil {
		return nil, a.fail(opErr)
	}
	cas, err := waitReplace(ctx, a.executor, doc.loc, doc.content, kv.MutateOptions{
		Cas:        doc.cas,
		Meta:       metaRaw,
		Durability: a.config.durability,
	})
	if err != nil {
		return nil, a.fail(newOpError(classOf(err), err, "stage %s %s", op, doc.loc))
	}
	if err := a.atr.addStagedRef(ctx, a.atrLoc, a.id, atrMutationRef(doc.loc), op); err != nil {
		return nil, a.fail(newOpError(classOf(err), err, "record staged %s %s", op, doc.loc))
	}
	a.mu.Lock()
	a.staged.put(&stagedMutation{
		loc:           doc.loc,
		opType:        op,
		originalCas:   doc.cas,
		originalValue: doc.content,
		stagedValue:   staged,
		stagedCas:     cas,
	})
	a.mu.Unlock()
	return &Document{loc: doc.loc, cas: cas, content: staged}, nil
}

// restage rewrites an existing staged mutation of this attempt with new
// content and/or a new operation kind.
func (a *AttemptContext) restage(ctx context.Context, sm *stagedMutation, op jsonMutationType, staged json.RawMessage) (*Document, error) {
	metaRaw, opErr := a.buildMeta(op, staged, sm.originalCas)
	if opErr != nil {
		return nil, a.fail(opErr)
	}
	value := sm.originalValue
	deleted := false
	if sm.opType == jsonMutationInsert {
		// A staged insert stays a metadata-only tombstone.
		value = nil
		deleted = true
	}
	cas, err := waitReplace(ctx, a.executor, sm.loc, value, kv.MutateOptions{
		Cas:           sm.stagedCas,
		Meta:          metaRaw,
		Deleted:       deleted,
		AccessDeleted: deleted,
		Durability:    a.config.durability,
	})
	if err != nil {
		return nil, a.fail(newOpError(classOf(err), err, "restage %s %s", op, sm.loc))
	}
	if op != sm.opType {
		if err := a.atr.addStagedRef(ctx, a.atrLoc, a.id, atrMutationRef(sm.loc), op); err != nil {
			return nil, a.fail(newOpError(classOf(err), err, "record restaged %s %s", op, sm.loc))
		}
	}
	a.mu.Lock()
	a.staged.put(&stagedMutation{
		loc:           sm.loc,
		opType:        op,
		originalCas:   sm.originalCas,
		originalValue: sm.originalValue,
		stagedValue:   staged,
		stagedCas:     cas,
	})
	a.mu.Unlock()
	return &Document{loc: sm.loc, cas: cas, content: staged}, nil
}

// Query routes a statement through the transactional query path, tagged
// with this attempt's id so server-side staging is attempt-scoped. The
// callback is invoked exactly once, with a result or an error, never
// both.
func (a *AttemptContext) Query(ctx context.Context, statement string, opts kv.QueryOptions, cb kv.QueryCallback) {
	var once sync.Once
	deliver := func(res *kv.QueryResult, err error) {
		once.Do(func() { cb(res, err) })
	}
	if opErr := a.checkOperation("query"); opErr != nil {
		go deliver(nil, opErr)
		return
	}
	opts.TransactionID = a.txnID
	opts.AttemptID = a.id
	a.executor.Query(ctx, statement, opts, func(res *kv.QueryResult, err error) {
		if err != nil {
			opErr := newOpError(classOf(err), err, "query")
			a.fail(opErr)
			deliver(nil, opErr)
			return
		}
		deliver(res, nil)
	})
}

// commit applies every staged mutation as the real committed value, in
// staging order, then records COMMITTED in the ATR. Failures before the
// ATR records COMMITTING roll the attempt back; failures after are
// post-commit: the decision is durable, cleanup finishes the unstaging.
func (a *AttemptContext) commit(ctx context.Context) error {
	if a.expiredNow() {
		return a.fail(newOpError(classExpiry, ErrAttemptExpired, "commit past expiry"))
	}

	a.mu.Lock()
	nothingStaged := a.staged.empty()
	atrPending := a.atrPending
	a.mu.Unlock()

	if nothingStaged {
		// Read-only attempt: nothing durable to flip.
		if atrPending {
			if err := a.atr.removeAttempt(ctx, a.atrLoc, a.id); err != nil {
				a.logger.Warn("failed to prune read-only attempt from atr", zap.Error(err))
			}
		}
		a.setLocalState(AttemptStateCompleted)
		return nil
	}

	if err := a.hooks.beforeATRCommit(); err != nil {
		return a.fail(newOpError(classOf(err), err, "before-atr-commit hook"))
	}
	if err := a.atr.setState(ctx, a.atrLoc, a.id, jsonAtrStateCommitting); err != nil {
		if errors.Is(err, errAttemptEntryMissing) {
			return a.fail(newOpError(classHard, err, "attempt resolved externally before commit"))
		}
		return a.fail(newOpError(classOf(err), err, "record committing"))
	}
	a.setLocalState(AttemptStateCommitting)

	a.mu.Lock()
	mutations := append([]*stagedMutation(nil), a.staged.list()...)
	a.mu.Unlock()

	for _, sm := range mutations {
		if err := a.hooks.beforeDocCommitted(sm.loc.Key); err != nil {
			return a.fail(newOpError(classPostCommit, err, "before-doc-committed hook %s", sm.loc))
		}
		if err := a.applyStaged(ctx, sm); err != nil {
			return a.fail(newOpError(classPostCommit, err, "unstage %s %s", sm.opType, sm.loc))
		}
		if err := a.hooks.afterDocCommitted(sm.loc.Key); err != nil {
			return a.fail(newOpError(classPostCommit, err, "after-doc-committed hook %s", sm.loc))
		}
	}

	if err := a.atr.setState(ctx, a.atrLoc, a.id, jsonAtrStateCommitted); err != nil && !errors.Is(err, errAttemptEntryMissing) {
		return a.fail(newOpError(classPostCommit, err, "record committed"))
	}
	a.setLocalState(AttemptStateCommitted)

	if err := a.hooks.beforeATRComplete(); err != nil {
		return a.fail(newOpError(classPostCommit, err, "before-atr-complete hook"))
	}
	// COMPLETED is recorded before the prune so a reader that catches
	// the entry between the two writes still sees a terminal state.
	// Failures past this point are bookkeeping only: the data is
	// committed and cleanup retires whatever remains.
	if err := a.atr.setState(ctx, a.atrLoc, a.id, jsonAtrStateCompleted); err != nil && !errors.Is(err, errAttemptEntryMissing) {
		a.logger.Warn("failed to record completed attempt in atr", zap.Error(err))
	}
	if err := a.atr.removeAttempt(ctx, a.atrLoc, a.id); err != nil {
		a.logger.Warn("failed to prune committed attempt from atr", zap.Error(err))
	}
	a.setLocalState(AttemptStateCompleted)
	return nil
}

// applyStaged turns one staged mutation into the real committed write,
// conditioned on the staging revision.
func (a *AttemptContext) applyStaged(ctx context.Context, sm *stagedMutation) error {
	switch sm.opType {
	case jsonMutationInsert, jsonMutationReplace:
		_, err := waitReplace(ctx, a.executor, sm.loc, sm.stagedValue, kv.MutateOptions{
			Cas:           sm.stagedCas,
			AccessDeleted: sm.opType == jsonMutationInsert,
			Durability:    a.config.durability,
		})
		return err
	case jsonMutationRemove:
		return waitRemove(ctx, a.executor, sm.loc, kv.MutateOptions{
			Cas:        sm.stagedCas,
			Durability: a.config.durability,
		})
	default:
		return newOpError(classHard, nil, "unknown staged mutation type %q", sm.opType)
	}
}

// rollback reverts every staged mutation and records the terminal state
// in the ATR. It is idempotent and resumable: any step finding its work
// already done (by an earlier call or by the cleanup subsystem) skips
// ahead, so invoking it twice leaves the same state as once.
func (a *AttemptContext) rollback(ctx context.Context) error {
	a.mu.Lock()
	state := a.state
	atrPending := a.atrPending
	mutations := append([]*stagedMutation(nil), a.staged.list()...)
	a.mu.Unlock()

	switch state {
	case AttemptStateCommitted, AttemptStateCompleted:
		return newOpError(classHard, ErrIllegalState, "rollback after commit")
	case AttemptStateRolledBack:
		return nil
	}
	if !atrPending {
		a.setLocalState(AttemptStateRolledBack)
		return nil
	}

	if err := a.hooks.beforeATRAborted(); err != nil {
		return newOpError(classOf(err), err, "before-atr-aborted hook")
	}
	if err := a.atr.setState(ctx, a.atrLoc, a.id, jsonAtrStateAborted); err != nil {
		if errors.Is(err, errAttemptEntryMissing) {
			// Cleanup beat us to it.
			a.setLocalState(AttemptStateRolledBack)
			return nil
		}
		return newOpError(classOf(err), err, "record aborted")
	}
	a.setLocalState(AttemptStateAborted)

	for _, sm := range mutations {
		if err := a.hooks.beforeDocRolledBack(sm.loc.Key); err != nil {
			return newOpError(classOf(err), err, "before-doc-rolled-back hook %s", sm.loc)
		}
		if err := a.revertStaged(ctx, sm); err != nil {
			return newOpError(classOf(err), err, "revert %s %s", sm.opType, sm.loc)
		}
	}

	if err := a.hooks.beforeATRRolledBack(); err != nil {
		return newOpError(classOf(err), err, "before-atr-rolled-back hook")
	}
	if err := a.atr.setState(ctx, a.atrLoc, a.id, jsonAtrStateRolledBack); err != nil && !errors.Is(err, errAttemptEntryMissing) {
		return newOpError(classOf(err), err, "record rolled back")
	}
	if err := a.atr.removeAttempt(ctx, a.atrLoc, a.id); err != nil {
		a.logger.Warn("failed to prune rolled-back attempt from atr", zap.Error(err))
	}
	a.setLocalState(AttemptStateRolledBack)
	return nil
}

// revertStaged undoes one staged mutation: a staged insert's tombstone
// is deleted, a staged replace/remove has its metadata stripped (the
// committed value was never touched by staging). Conflicting revisions
// are re-read: if the metadata is no longer this attempt's, someone else
// already resolved the document and there is nothing left to do.
func (a *AttemptContext) revertStaged(ctx context.Context, sm *stagedMutation) error {
	cas := sm.stagedCas
	for i := 0; i < 2; i++ {
		var err error
		if sm.opType == jsonMutationInsert {
			err = waitRemove(ctx, a.executor, sm.loc, kv.MutateOptions{
				Cas:           cas,
				AccessDeleted: true,
				Durability:    a.config.durability,
			})
		} else {
			_, err = waitReplace(ctx, a.executor, sm.loc, sm.originalValue, kv.MutateOptions{
				Cas:        cas,
				Durability: a.config.durability,
			})
		}
		if err == nil || errors.Is(err, kv.ErrDocumentNotFound) {
			return nil
		}
		if !errors.Is(err, kv.ErrCasMismatch) {
			return err
		}
		res, gerr := waitGet(ctx, a.executor, sm.loc, kv.GetOptions{AccessDeleted: true})
		if gerr != nil {
			if errors.Is(gerr, kv.ErrDocumentNotFound) {
				return nil
			}
			return gerr
		}
		meta, _ := parseTxnMeta(res.Meta)
		if meta == nil || meta.ID.Attempt != a.id {
			return nil
		}
		cas = res.Cas
	}
	return newOpError(classTransient, kv.ErrCasMismatch, "revert contention on %s", sm.loc)
}
