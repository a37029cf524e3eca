// Package kv defines the operation-execution boundary the transaction
// engine drives: asynchronous CRUD and query primitives against the
// backing document store, keyed by (bucket, scope, collection, key) and
// guarded by a per-revision CAS token. Implementations live behind the
// Executor interface; the engine never talks to the cluster directly.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Location identifies a single document in the cluster.
type Location struct {
	Bucket     string `json:"bucket"`
	Scope      string `json:"scope"`
	Collection string `json:"collection"`
	Key        string `json:"key"`
}

func (l Location) String() string {
	return fmt.Sprintf("%s.%s.%s/%s", l.Bucket, l.Scope, l.Collection, l.Key)
}

// Cas is the opaque revision marker used for optimistic concurrency on a
// document. Zero means "no expected revision" (unconditional write).
type Cas uint64

// DurabilityLevel controls how durable a mutation must be before the
// store acknowledges it.
type DurabilityLevel int

const (
	DurabilityNone DurabilityLevel = iota
	DurabilityMajority
	DurabilityMajorityAndPersist
	DurabilityPersistToMajority
)

func (d DurabilityLevel) String() string {
	switch d {
	case DurabilityNone:
		return "none"
	case DurabilityMajority:
		return "majority"
	case DurabilityMajorityAndPersist:
		return "majority_and_persist"
	case DurabilityPersistToMajority:
		return "persist_to_majority"
	default:
		return "unknown"
	}
}

// Condition errors surfaced by Executor operations. The transaction
// engine's classifier maps each of these to a retry/rollback decision, so
// implementations must tag failures with exactly one of them (wrapped is
// fine, errors.Is must hold).
var (
	ErrDocumentNotFound = errors.New("kv: document not found")
	ErrDocumentExists   = errors.New("kv: document exists")
	ErrCasMismatch      = errors.New("kv: cas mismatch")
	ErrTimeout          = errors.New("kv: operation timed out")
	ErrNetwork          = errors.New("kv: network failure")
	ErrPathNotFound     = errors.New("kv: path not found")
)

// GetResult is an immutable snapshot of a document as read from the
// store. Meta carries the transaction-metadata side channel, if any.
type GetResult struct {
	Location Location
	Value    json.RawMessage
	Meta     json.RawMessage
	Cas      Cas
	// Deleted reports that the document is a tombstone: it has no
	// committed value and is invisible to plain reads. Staged inserts
	// live as tombstones until commit.
	Deleted bool
}

// GetOptions tunes a Get.
type GetOptions struct {
	// AccessDeleted makes tombstones visible. Only the transaction
	// engine and the cleanup subsystem set this.
	AccessDeleted bool
}

// MutateOptions tunes Insert/Replace/Remove.
type MutateOptions struct {
	// Cas, when non-zero, makes the mutation conditional on the
	// document's current revision; a mismatch fails with ErrCasMismatch.
	Cas Cas
	// Meta replaces the transaction-metadata side channel. nil clears it.
	Meta json.RawMessage
	// Deleted writes the document as a tombstone (staged insert).
	Deleted bool
	// AccessDeleted permits the mutation to target an existing tombstone.
	AccessDeleted bool
	Durability    DurabilityLevel
}

// QueryOptions carries statement options through the transactional query
// path. AttemptID tags the statement so server-side staging is scoped to
// the issuing attempt.
type QueryOptions struct {
	Positional      []json.RawMessage          `json:"args,omitempty"`
	Named           map[string]json.RawMessage `json:"named_args,omitempty"`
	Readonly        bool                       `json:"readonly,omitempty"`
	ClientContextID string                     `json:"client_context_id,omitempty"`
	TransactionID   string                     `json:"txid,omitempty"`
	AttemptID       string                     `json:"txn_attempt_id,omitempty"`
}

// QueryResult holds the rows produced by a statement.
type QueryResult struct {
	Rows []json.RawMessage
	Meta json.RawMessage
}

// Callback signatures. An implementation must invoke the callback exactly
// once, with either a result or an error, never both.
type (
	GetCallback    func(*GetResult, error)
	MutateCallback func(Cas, error)
	RemoveCallback func(error)
	QueryCallback  func(*QueryResult, error)
)

// Executor is the asynchronous operation-execution service backing the
// transaction engine. Connection pooling, node topology and per-operation
// retry all live below this interface.
type Executor interface {
	Get(ctx context.Context, loc Location, opts GetOptions, cb GetCallback)
	Insert(ctx context.Context, loc Location, value json.RawMessage, opts MutateOptions, cb MutateCallback)
	Replace(ctx context.Context, loc Location, value json.RawMessage, opts MutateOptions, cb MutateCallback)
	Remove(ctx context.Context, loc Location, opts MutateOptions, cb RemoveCallback)
	Query(ctx context.Context, statement string, opts QueryOptions, cb QueryCallback)
}
