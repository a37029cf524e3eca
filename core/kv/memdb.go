package kv

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// memDoc is the stored form of a document: committed value, transaction
// metadata side channel, revision, and tombstone flag.
type memDoc struct {
	value   json.RawMessage
	meta    json.RawMessage
	cas     Cas
	deleted bool
}

// QueryHandler lets tests and embedders answer statements routed through
// the transactional query path.
type QueryHandler func(statement string, opts QueryOptions) (*QueryResult, error)

// MemExecutor is an in-process Executor backed by a mutex-guarded map.
// It implements the full document model the engine relies on (CAS,
// metadata side channel, tombstones) and supports fault injection, which
// makes it the workhorse of the engine's tests and the demo binary.
type MemExecutor struct {
	mu      sync.Mutex
	docs    map[string]*memDoc
	nextCas Cas

	queryHandler QueryHandler
	failures     map[string][]error // op name -> queued injected errors

	logger *zap.Logger
}

// NewMemExecutor creates an empty in-memory executor. A nil logger is
// replaced with a no-op logger.
func NewMemExecutor(logger *zap.Logger) *MemExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemExecutor{
		docs:     make(map[string]*memDoc),
		nextCas:  1,
		failures: make(map[string][]error),
		logger:   logger.With(zap.String("component", "mem_executor")),
	}
}

// SetQueryHandler installs the statement handler used by Query.
func (m *MemExecutor) SetQueryHandler(h QueryHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryHandler = h
}

// InjectFailure queues err to be returned by the next invocation of the
// named operation ("get", "insert", "replace", "remove", "query").
// Multiple calls queue in FIFO order.
func (m *MemExecutor) InjectFailure(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

func (m *MemExecutor) takeFailure(op string) error {
	q := m.failures[op]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	m.failures[op] = q[1:]
	return err
}

func (m *MemExecutor) bumpCas() Cas {
	m.nextCas++
	return m.nextCas
}

func (m *MemExecutor) Get(ctx context.Context, loc Location, opts GetOptions, cb GetCallback) {
	m.mu.Lock()
	if err := m.takeFailure("get"); err != nil {
		m.mu.Unlock()
		go cb(nil, err)
		return
	}
	doc, ok := m.docs[loc.String()]
	if !ok || (doc.deleted && !opts.AccessDeleted) {
		m.mu.Unlock()
		go cb(nil, ErrDocumentNotFound)
		return
	}
	res := &GetResult{
		Location: loc,
		Value:    cloneRaw(doc.value),
		Meta:     cloneRaw(doc.meta),
		Cas:      doc.cas,
		Deleted:  doc.deleted,
	}
	m.mu.Unlock()
	go cb(res, nil)
}

func (m *MemExecutor) Insert(ctx context.Context, loc Location, value json.RawMessage, opts MutateOptions, cb MutateCallback) {
	m.mu.Lock()
	if err := m.takeFailure("insert"); err != nil {
		m.mu.Unlock()
		go cb(0, err)
		return
	}
	if doc, ok := m.docs[loc.String()]; ok && !doc.deleted {
		m.mu.Unlock()
		go cb(0, ErrDocumentExists)
		return
	} else if ok && doc.deleted && !opts.AccessDeleted {
		// A tombstone occupies the key; without AccessDeleted the
		// insert behaves as if the document exists.
		m.mu.Unlock()
		go cb(0, ErrDocumentExists)
		return
	}
	cas := m.bumpCas()
	m.docs[loc.String()] = &memDoc{
		value:   cloneRaw(value),
		meta:    cloneRaw(opts.Meta),
		cas:     cas,
		deleted: opts.Deleted,
	}
	m.mu.Unlock()
	m.logger.Debug("insert", zap.String("loc", loc.String()), zap.Uint64("cas", uint64(cas)))
	go cb(cas, nil)
}

func (m *MemExecutor) Replace(ctx context.Context, loc Location, value json.RawMessage, opts MutateOptions, cb MutateCallback) {
	m.mu.Lock()
	if err := m.takeFailure("replace"); err != nil {
		m.mu.Unlock()
		go cb(0, err)
		return
	}
	doc, ok := m.docs[loc.String()]
	if !ok || (doc.deleted && !opts.AccessDeleted) {
		m.mu.Unlock()
		go cb(0, ErrDocumentNotFound)
		return
	}
	if opts.Cas != 0 && opts.Cas != doc.cas {
		m.mu.Unlock()
		go cb(0, ErrCasMismatch)
		return
	}
	doc.value = cloneRaw(value)
	doc.meta = cloneRaw(opts.Meta)
	doc.deleted = opts.Deleted
	doc.cas = m.bumpCas()
	cas := doc.cas
	m.mu.Unlock()
	m.logger.Debug("replace", zap.String("loc", loc.String()), zap.Uint64("cas", uint64(cas)))
	go cb(cas, nil)
}

func (m *MemExecutor) Remove(ctx context.Context, loc Location, opts MutateOptions, cb RemoveCallback) {
	m.mu.Lock()
	if err := m.takeFailure("remove"); err != nil {
		m.mu.Unlock()
		go cb(err)
		return
	}
	doc, ok := m.docs[loc.String()]
	if !ok || (doc.deleted && !opts.AccessDeleted) {
		m.mu.Unlock()
		go cb(ErrDocumentNotFound)
		return
	}
	if opts.Cas != 0 && opts.Cas != doc.cas {
		m.mu.Unlock()
		go cb(ErrCasMismatch)
		return
	}
	delete(m.docs, loc.String())
	m.mu.Unlock()
	m.logger.Debug("remove", zap.String("loc", loc.String()))
	go cb(nil)
}

func (m *MemExecutor) Query(ctx context.Context, statement string, opts QueryOptions, cb QueryCallback) {
	m.mu.Lock()
	if err := m.takeFailure("query"); err != nil {
		m.mu.Unlock()
		go cb(nil, err)
		return
	}
	h := m.queryHandler
	m.mu.Unlock()
	if h == nil {
		go cb(nil, ErrPathNotFound)
		return
	}
	go func() {
		res, err := h(statement, opts)
		cb(res, err)
	}()
}

// Seed stores a committed document directly, bypassing CAS checks. Test
// and demo setup helper.
func (m *MemExecutor) Seed(loc Location, value json.RawMessage) Cas {
	m.mu.Lock()
	defer m.mu.Unlock()
	cas := m.bumpCas()
	m.docs[loc.String()] = &memDoc{value: cloneRaw(value), cas: cas}
	return cas
}

// LoadCommitted reads the committed state of a document the way a
// non-transactional reader would: tombstones and metadata-only staging
// are invisible, so the returned value is exactly what a plain Get sees.
func (m *MemExecutor) LoadCommitted(loc Location) (json.RawMessage, Cas, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[loc.String()]
	if !ok || doc.deleted {
		return nil, 0, ErrDocumentNotFound
	}
	return cloneRaw(doc.value), doc.cas, nil
}

// Meta returns the raw transaction-metadata side channel of a document,
// or nil if the document is absent or clean. Test helper.
func (m *MemExecutor) Meta(loc Location) json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[loc.String()]
	if !ok {
		return nil
	}
	return cloneRaw(doc.meta)
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
