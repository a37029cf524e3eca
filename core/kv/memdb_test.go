package kv

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLoc(key string) Location {
	return Location{Bucket: "default", Scope: "_default", Collection: "_default", Key: key}
}

func newMemStore(t *testing.T) *MemExecutor {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return NewMemExecutor(logger)
}

// syncGet/syncInsert/... adapt the callback API for tests.
func syncGet(t *testing.T, e Executor, loc Location, opts GetOptions) (*GetResult, error) {
	t.Helper()
	type outcome struct {
		res *GetResult
		err error
	}
	ch := make(chan outcome, 1)
	e.Get(context.Background(), loc, opts, func(res *GetResult, err error) {
		ch <- outcome{res, err}
	})
	out := <-ch
	return out.res, out.err
}

func syncInsert(t *testing.T, e Executor, loc Location, value json.RawMessage, opts MutateOptions) (Cas, error) {
	t.Helper()
	type outcome struct {
		cas Cas
		err error
	}
	ch := make(chan outcome, 1)
	e.Insert(context.Background(), loc, value, opts, func(cas Cas, err error) {
		ch <- outcome{cas, err}
	})
	out := <-ch
	return out.cas, out.err
}

func syncReplace(t *testing.T, e Executor, loc Location, value json.RawMessage, opts MutateOptions) (Cas, error) {
	t.Helper()
	type outcome struct {
		cas Cas
		err error
	}
	ch := make(chan outcome, 1)
	e.Replace(context.Background(), loc, value, opts, func(cas Cas, err error) {
		ch <- outcome{cas, err}
	})
	out := <-ch
	return out.cas, out.err
}

func syncRemove(t *testing.T, e Executor, loc Location, opts MutateOptions) error {
	t.Helper()
	ch := make(chan error, 1)
	e.Remove(context.Background(), loc, opts, func(err error) {
		ch <- err
	})
	return <-ch
}

func TestMemExecutorInsertGet(t *testing.T) {
	store := newMemStore(t)
	loc := testLoc("doc-1")
	value := json.RawMessage(`{"x":1}`)

	cas, err := syncInsert(t, store, loc, value, MutateOptions{})
	require.NoError(t, err)
	require.NotZero(t, cas)

	res, err := syncGet(t, store, loc, GetOptions{})
	require.NoError(t, err)
	require.Equal(t, cas, res.Cas)
	require.JSONEq(t, string(value), string(res.Value))
	require.False(t, res.Deleted)

	_, err = syncInsert(t, store, loc, value, MutateOptions{})
	require.ErrorIs(t, err, ErrDocumentExists)
}

func TestMemExecutorCasConditionedReplace(t *testing.T) {
	store := newMemStore(t)
	loc := testLoc("doc-1")
	cas := store.Seed(loc, json.RawMessage(`{"x":1}`))

	_, err := syncReplace(t, store, loc, json.RawMessage(`{"x":2}`), MutateOptions{Cas: cas + 99})
	require.ErrorIs(t, err, ErrCasMismatch)

	newCas, err := syncReplace(t, store, loc, json.RawMessage(`{"x":2}`), MutateOptions{Cas: cas})
	require.NoError(t, err)
	require.NotEqual(t, cas, newCas)

	// The old revision no longer matches.
	err = syncRemove(t, store, loc, MutateOptions{Cas: cas})
	require.ErrorIs(t, err, ErrCasMismatch)
	require.NoError(t, syncRemove(t, store, loc, MutateOptions{Cas: newCas}))

	_, err = syncGet(t, store, loc, GetOptions{})
	require.ErrorIs(t, err, ErrDocumentNotFound)
}

// TestMemExecutorTombstones verifies deleted documents are invisible to
// plain reads but reachable with AccessDeleted, matching staged-insert
// semantics.
func TestMemExecutorTombstones(t *testing.T) {
	store := newMemStore(t)
	loc := testLoc("ghost")
	meta := json.RawMessage(`{"tid":"txn-1"}`)

	_, err := syncInsert(t, store, loc, nil, MutateOptions{Deleted: true, Meta: meta})
	require.NoError(t, err)

	_, err = syncGet(t, store, loc, GetOptions{})
	require.ErrorIs(t, err, ErrDocumentNotFound)

	res, err := syncGet(t, store, loc, GetOptions{AccessDeleted: true})
	require.NoError(t, err)
	require.True(t, res.Deleted)
	require.JSONEq(t, string(meta), string(res.Meta))

	// A plain insert cannot claim the key while the tombstone holds it.
	_, err = syncInsert(t, store, loc, json.RawMessage(`{}`), MutateOptions{})
	require.ErrorIs(t, err, ErrDocumentExists)

	// Resurrecting through the tombstone makes the document live again.
	_, err = syncReplace(t, store, loc, json.RawMessage(`{"x":1}`), MutateOptions{AccessDeleted: true})
	require.NoError(t, err)
	res, err = syncGet(t, store, loc, GetOptions{})
	require.NoError(t, err)
	require.False(t, res.Deleted)
}

func TestMemExecutorFailureInjection(t *testing.T) {
	store := newMemStore(t)
	loc := testLoc("doc-1")
	store.InjectFailure("insert", ErrNetwork)

	_, err := syncInsert(t, store, loc, json.RawMessage(`{}`), MutateOptions{})
	require.ErrorIs(t, err, ErrNetwork)

	// Injected failures are one-shot.
	_, err = syncInsert(t, store, loc, json.RawMessage(`{}`), MutateOptions{})
	require.NoError(t, err)
}

func TestMemExecutorResultsAreCopies(t *testing.T) {
	store := newMemStore(t)
	loc := testLoc("doc-1")
	store.Seed(loc, json.RawMessage(`{"x":1}`))

	res, err := syncGet(t, store, loc, GetOptions{})
	require.NoError(t, err)
	res.Value[0] = '?'

	value, _, err := store.LoadCommitted(loc)
	require.NoError(t, err)
	require.JSONEq(t, `{"x":1}`, string(value))
}
