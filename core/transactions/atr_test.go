package transactions

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-transactions/core/kv"
)

func newTestATRManager(t *testing.T, store *kv.MemExecutor, numATRs int) *atrManager {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	keyspace := kv.Location{Bucket: "default", Scope: "_default", Collection: "_default"}
	return newATRManager(store, keyspace, numATRs, kv.DurabilityNone, logger)
}

func pendingEntry(txnID string) *jsonAtrAttempt {
	now := time.Now()
	return &jsonAtrAttempt{
		TransactionID: txnID,
		StartTime:     now.UnixMilli(),
		ExpiryTime:    now.Add(time.Minute).UnixMilli(),
	}
}

// TestATRLocationIsDeterministic verifies the shard assignment: stable
// per transaction id, always inside the configured shard range, in the
// metadata keyspace.
func TestATRLocationIsDeterministic(t *testing.T) {
	m := newTestATRManager(t, newTestStore(t), 8)

	seen := map[string]bool{}
	for _, txnID := range []string{"txn-a", "txn-b", "txn-c", "txn-d"} {
		loc := m.locationFor(txnID)
		require.Equal(t, loc, m.locationFor(txnID))
		require.True(t, strings.HasPrefix(loc.Key, atrKeyPrefix))
		require.Equal(t, "default", loc.Bucket)
		seen[loc.Key] = true
	}
	require.NotEmpty(t, seen)

	for shard := 0; shard < 8; shard++ {
		require.Equal(t, atrKeyPrefix+strconv.Itoa(shard), m.locationForShard(shard).Key)
	}
}

// TestATRAttemptLifecycle walks an attempt entry through its full
// record: create pending, track staged refs, advance state, prune.
func TestATRAttemptLifecycle(t *testing.T) {
	store := newTestStore(t)
	m := newTestATRManager(t, store, 8)
	ctx := context.Background()
	loc := m.locationFor("txn-1")
	ref := atrMutationRef(docLoc("doc-1"))

	require.NoError(t, m.createPending(ctx, loc, "attempt-1", pendingEntry("txn-1")))
	require.NoError(t, m.addStagedRef(ctx, loc, "attempt-1", ref, jsonMutationInsert))

	doc, cas, err := m.fetch(ctx, loc)
	require.NoError(t, err)
	require.NotZero(t, cas)
	entry := doc.Attempts["attempt-1"]
	require.NotNil(t, entry)
	require.Equal(t, jsonAtrStatePending, entry.State)
	require.Len(t, entry.Inserts, 1)
	require.Equal(t, ref, entry.Inserts[0])

	// Restaging as a different kind moves the ref between lists.
	require.NoError(t, m.addStagedRef(ctx, loc, "attempt-1", ref, jsonMutationReplace))
	doc, _, err = m.fetch(ctx, loc)
	require.NoError(t, err)
	entry = doc.Attempts["attempt-1"]
	require.Empty(t, entry.Inserts)
	require.Len(t, entry.Replaces, 1)

	require.NoError(t, m.setState(ctx, loc, "attempt-1", jsonAtrStateCommitting))
	require.NoError(t, m.setState(ctx, loc, "attempt-1", jsonAtrStateCommitted))

	doc, _, err = m.fetch(ctx, loc)
	require.NoError(t, err)
	require.Equal(t, jsonAtrStateCommitted, doc.Attempts["attempt-1"].State)

	require.NoError(t, m.removeAttempt(ctx, loc, "attempt-1"))
	doc, _, err = m.fetch(ctx, loc)
	require.NoError(t, err)
	require.Nil(t, doc) // last entry gone, ATR document deleted
}

// TestATRStateNeverRegresses verifies a stale writer cannot move an
// attempt's recorded state backwards.
func TestATRStateNeverRegresses(t *testing.T) {
	store := newTestStore(t)
	m := newTestATRManager(t, store, 8)
	ctx := context.Background()
	loc := m.locationFor("txn-1")

	require.NoError(t, m.createPending(ctx, loc, "attempt-1", pendingEntry("txn-1")))
	require.NoError(t, m.setState(ctx, loc, "attempt-1", jsonAtrStateCommitted))
	require.NoError(t, m.setState(ctx, loc, "attempt-1", jsonAtrStatePending))

	doc, _, err := m.fetch(ctx, loc)
	require.NoError(t, err)
	require.Equal(t, jsonAtrStateCommitted, doc.Attempts["attempt-1"].State)
}

// TestATRHoldsMultipleAttempts verifies attempts from different
// transactions sharing a shard do not disturb each other.
func TestATRHoldsMultipleAttempts(t *testing.T) {
	store := newTestStore(t)
	m := newTestATRManager(t, store, 1) // force one shard
	ctx := context.Background()
	loc := m.locationForShard(0)

	require.NoError(t, m.createPending(ctx, loc, "attempt-1", pendingEntry("txn-1")))
	require.NoError(t, m.createPending(ctx, loc, "attempt-2", pendingEntry("txn-2")))
	require.NoError(t, m.setState(ctx, loc, "attempt-1", jsonAtrStateRolledBack))
	require.NoError(t, m.removeAttempt(ctx, loc, "attempt-1"))

	doc, _, err := m.fetch(ctx, loc)
	require.NoError(t, err)
	require.Nil(t, doc.Attempts["attempt-1"])
	require.NotNil(t, doc.Attempts["attempt-2"])
	require.Equal(t, jsonAtrStatePending, doc.Attempts["attempt-2"].State)
}

// TestATRSetStateOnMissingAttempt verifies the missing-entry condition
// surfaces distinctly so rollback can treat it as already resolved.
func TestATRSetStateOnMissingAttempt(t *testing.T) {
	store := newTestStore(t)
	m := newTestATRManager(t, store, 8)
	ctx := context.Background()
	loc := m.locationFor("txn-1")
	require.NoError(t, m.createPending(ctx, loc, "attempt-1", pendingEntry("txn-1")))

	err := m.setState(ctx, loc, "attempt-other", jsonAtrStateAborted)
	require.ErrorIs(t, err, errAttemptEntryMissing)
}

func TestStagedRefsCoverAllOperationKinds(t *testing.T) {
	entry := &jsonAtrAttempt{
		Inserts:  []jsonAtrMutation{atrMutationRef(docLoc("i"))},
		Replaces: []jsonAtrMutation{atrMutationRef(docLoc("p"))},
		Removes:  []jsonAtrMutation{atrMutationRef(docLoc("r"))},
	}
	refs := entry.stagedRefs()
	require.Len(t, refs, 3)
	kinds := map[jsonMutationType]string{}
	for _, ref := range refs {
		kinds[ref.op] = ref.loc.Key
	}
	require.Equal(t, "i", kinds[jsonMutationInsert])
	require.Equal(t, "p", kinds[jsonMutationReplace])
	require.Equal(t, "r", kinds[jsonMutationRemove])
}
