package transactions

import (
	"encoding/json"

	"github.com/sushant-115/gojodb-transactions/core/kv"
)

// Wire schema for the Active Transaction Record and the per-document
// transaction-metadata side channel. These shapes are persisted and must
// stay stable across client versions: a newer client has to be able to
// recover (commit-forward or roll back) attempts written by an older one.

type jsonAtrState string

const (
	jsonAtrStatePending    = jsonAtrState("PENDING")
	jsonAtrStateCommitting = jsonAtrState("COMMITTING")
	jsonAtrStateCommitted  = jsonAtrState("COMMITTED")
	jsonAtrStateCompleted  = jsonAtrState("COMPLETED")
	jsonAtrStateAborted    = jsonAtrState("ABORTED")
	jsonAtrStateRolledBack = jsonAtrState("ROLLED_BACK")
)

// terminal reports whether the recorded state needs no further
// resolution by cleanup.
func (s jsonAtrState) terminal() bool {
	switch s {
	case jsonAtrStateCompleted, jsonAtrStateRolledBack:
		return true
	default:
		return false
	}
}

type jsonMutationType string

const (
	jsonMutationInsert  = jsonMutationType("insert")
	jsonMutationReplace = jsonMutationType("replace")
	jsonMutationRemove  = jsonMutationType("remove")
)

// jsonAtrMutation is one staged-document reference in the ATR.
type jsonAtrMutation struct {
	BucketName     string `json:"bkt,omitempty"`
	ScopeName      string `json:"scp,omitempty"`
	CollectionName string `json:"col,omitempty"`
	DocID          string `json:"id,omitempty"`
}

func (m jsonAtrMutation) location() kv.Location {
	return kv.Location{
		Bucket:     m.BucketName,
		Scope:      m.ScopeName,
		Collection: m.CollectionName,
		Key:        m.DocID,
	}
}

func atrMutationRef(loc kv.Location) jsonAtrMutation {
	return jsonAtrMutation{
		BucketName:     loc.Bucket,
		ScopeName:      loc.Scope,
		CollectionName: loc.Collection,
		DocID:          loc.Key,
	}
}

// jsonAtrAttempt is one attempt's bookkeeping entry inside an ATR
// document. ExpiryTime is absolute (unix millis) so a cleanup process
// with no memory of the attempt can judge abandonment.
type jsonAtrAttempt struct {
	TransactionID string       `json:"tid,omitempty"`
	State         jsonAtrState `json:"st,omitempty"`
	StartTime     int64        `json:"tst,omitempty"`
	ExpiryTime    int64        `json:"exp,omitempty"`
	Durability    string       `json:"d,omitempty"`

	Inserts  []jsonAtrMutation `json:"ins,omitempty"`
	Replaces []jsonAtrMutation `json:"rep,omitempty"`
	Removes  []jsonAtrMutation `json:"rem,omitempty"`
}

// stagedRefs returns every staged-document reference with its operation
// kind, in no particular order (commit ordering is the live attempt's
// concern; cleanup only needs completeness).
func (a *jsonAtrAttempt) stagedRefs() []atrStagedRef {
	refs := make([]atrStagedRef, 0, len(a.Inserts)+len(a.Replaces)+len(a.Removes))
	for _, m := range a.Inserts {
		refs = append(refs, atrStagedRef{loc: m.location(), op: jsonMutationInsert})
	}
	for _, m := range a.Replaces {
		refs = append(refs, atrStagedRef{loc: m.location(), op: jsonMutationReplace})
	}
	for _, m := range a.Removes {
		refs = append(refs, atrStagedRef{loc: m.location(), op: jsonMutationRemove})
	}
	return refs
}

type atrStagedRef struct {
	loc kv.Location
	op  jsonMutationType
}

// jsonAtr is the ATR document itself: one attempt entry per in-flight
// attempt sharded onto this record.
type jsonAtr struct {
	Attempts map[string]*jsonAtrAttempt `json:"attempts"`
}

// jsonTxnMeta is the transaction-metadata side channel embedded in a
// staged document.
type jsonTxnMeta struct {
	ID struct {
		Transaction string `json:"txn,omitempty"`
		Attempt     string `json:"atmpt,omitempty"`
	} `json:"id"`
	ATR struct {
		Key            string `json:"key,omitempty"`
		BucketName     string `json:"bkt,omitempty"`
		ScopeName      string `json:"scp,omitempty"`
		CollectionName string `json:"col,omitempty"`
	} `json:"atr"`
	Operation struct {
		Type   jsonMutationType `json:"type,omitempty"`
		Staged json.RawMessage  `json:"stgd,omitempty"`
	} `json:"op"`
	Restore *jsonTxnRestore `json:"restore,omitempty"`
}

// jsonTxnRestore captures the pre-transaction revision so rollback can
// verify it is reverting the right staging write.
type jsonTxnRestore struct {
	OriginalCAS kv.Cas `json:"CAS,omitempty"`
}

func parseTxnMeta(raw json.RawMessage) (*jsonTxnMeta, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta jsonTxnMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
