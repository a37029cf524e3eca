package kv

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRemotePair(t *testing.T) (*RemoteExecutor, *MemExecutor) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	backend := NewMemExecutor(logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(ln, backend, logger)
	t.Cleanup(srv.Close)

	client := NewRemoteExecutor(ln.Addr().String(), 4, time.Second, logger)
	t.Cleanup(client.Close)
	return client, backend
}

// TestRemoteRoundTrip verifies the full mutate/read cycle over the wire,
// including transaction metadata and tombstone flags.
func TestRemoteRoundTrip(t *testing.T) {
	client, backend := newRemotePair(t)
	loc := testLoc("remote-doc")
	value := json.RawMessage(`{"x":1}`)
	meta := json.RawMessage(`{"tid":"txn-1"}`)

	cas, err := syncInsert(t, client, loc, nil, MutateOptions{Deleted: true, Meta: meta})
	require.NoError(t, err)
	require.NotZero(t, cas)

	res, err := syncGet(t, client, loc, GetOptions{AccessDeleted: true})
	require.NoError(t, err)
	require.True(t, res.Deleted)
	require.JSONEq(t, string(meta), string(res.Meta))
	require.Equal(t, cas, res.Cas)

	newCas, err := syncReplace(t, client, loc, value, MutateOptions{Cas: cas, AccessDeleted: true})
	require.NoError(t, err)
	require.NotEqual(t, cas, newCas)

	// Backend sees the committed write directly.
	committed, _, err := backend.LoadCommitted(loc)
	require.NoError(t, err)
	require.JSONEq(t, string(value), string(committed))

	require.NoError(t, syncRemove(t, client, loc, MutateOptions{Cas: newCas}))
	_, err = syncGet(t, client, loc, GetOptions{})
	require.ErrorIs(t, err, ErrDocumentNotFound)
}

// TestRemoteConditionMapping verifies backend failure conditions survive
// the wire as the same sentinel errors.
func TestRemoteConditionMapping(t *testing.T) {
	client, backend := newRemotePair(t)
	loc := testLoc("remote-doc")
	cas := backend.Seed(loc, json.RawMessage(`{"x":1}`))

	_, err := syncGet(t, client, testLoc("absent"), GetOptions{})
	require.ErrorIs(t, err, ErrDocumentNotFound)

	_, err = syncInsert(t, client, loc, json.RawMessage(`{}`), MutateOptions{})
	require.ErrorIs(t, err, ErrDocumentExists)

	_, err = syncReplace(t, client, loc, json.RawMessage(`{}`), MutateOptions{Cas: cas + 99})
	require.ErrorIs(t, err, ErrCasMismatch)

	backend.InjectFailure("get", ErrTimeout)
	_, err = syncGet(t, client, loc, GetOptions{})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestRemoteQuery(t *testing.T) {
	client, backend := newRemotePair(t)
	rows := []json.RawMessage{json.RawMessage(`{"n":1}`), json.RawMessage(`{"n":2}`)}
	backend.SetQueryHandler(func(statement string, opts QueryOptions) (*QueryResult, error) {
		require.Equal(t, "SELECT n FROM default", statement)
		require.Equal(t, "txn-1", opts.TransactionID)
		return &QueryResult{Rows: rows}, nil
	})

	type outcome struct {
		res *QueryResult
		err error
	}
	ch := make(chan outcome, 1)
	client.Query(context.Background(), "SELECT n FROM default", QueryOptions{TransactionID: "txn-1"}, func(res *QueryResult, err error) {
		ch <- outcome{res, err}
	})
	out := <-ch
	require.NoError(t, out.err)
	require.Len(t, out.res.Rows, 2)
	require.JSONEq(t, `{"n":2}`, string(out.res.Rows[1]))
}

// TestRemoteDialFailure verifies an unreachable server surfaces as a
// network condition, which the transaction engine treats as transient.
func TestRemoteDialFailure(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	client := NewRemoteExecutor("127.0.0.1:1", 1, 100*time.Millisecond, logger)
	defer client.Close()

	_, err = syncGet(t, client, testLoc("doc"), GetOptions{})
	require.ErrorIs(t, err, ErrNetwork)
}
