package transactions

import (
	"encoding/json"

	"github.com/sushant-115/gojodb-transactions/core/kv"
)

// stagedMutation records one pending write owned by an attempt: the
// document's pre-transaction revision and content, the staged content,
// and the operation kind. The arena below owns these records
// exclusively until commit or rollback resolves them; callers only ever
// see immutable Document snapshots.
type stagedMutation struct {
	loc    kv.Location
	opType jsonMutationType

	// originalCas/originalValue capture the document as it was before
	// this attempt touched it. For an insert both are zero.
	originalCas   kv.Cas
	originalValue json.RawMessage

	// stagedValue is the content that becomes real at commit (nil for a
	// remove). stagedCas is the document revision produced by the
	// staging write; commit and rollback condition on it.
	stagedValue json.RawMessage
	stagedCas   kv.Cas
}

// stagedMutationArena indexes an attempt's staged mutations by document
// location while preserving staging order, so commit applies
// first-staged-first.
type stagedMutationArena struct {
	order []*stagedMutation
	byLoc map[string]*stagedMutation
}

func newStagedMutationArena() *stagedMutationArena {
	return &stagedMutationArena{byLoc: make(map[string]*stagedMutation)}
}

func (a *stagedMutationArena) get(loc kv.Location) *stagedMutation {
	return a.byLoc[loc.String()]
}

// put records m, replacing any previous record for the same location in
// its original order slot (restaging a document does not move it later
// in the commit order).
func (a *stagedMutationArena) put(m *stagedMutation) {
	key := m.loc.String()
	if prev, ok := a.byLoc[key]; ok {
		for i, sm := range a.order {
			if sm == prev {
				a.order[i] = m
				break
			}
		}
	} else {
		a.order = append(a.order, m)
	}
	a.byLoc[key] = m
}

// drop removes the record for loc, if any.
func (a *stagedMutationArena) drop(loc kv.Location) {
	key := loc.String()
	prev, ok := a.byLoc[key]
	if !ok {
		return
	}
	delete(a.byLoc, key)
	for i, sm := range a.order {
		if sm == prev {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// list returns the staged mutations in staging order.
func (a *stagedMutationArena) list() []*stagedMutation {
	return a.order
}

func (a *stagedMutationArena) empty() bool {
	return len(a.order) == 0
}
