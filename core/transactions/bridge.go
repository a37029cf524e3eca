package transactions

import (
	"context"
	"encoding/json"

	"github.com/sushant-115/gojodb-transactions/core/kv"
)

// The executor is asynchronous; the engine's state machines are written
// synchronously. These helpers bridge the two with a single-resolution
// channel per call: issue the operation, then suspend until its callback
// fires. Deadlines are enforced cooperatively before issuing, never by
// abandoning an in-flight operation, so the callback's single resolution
// is always consumed.

func waitGet(ctx context.Context, ex kv.Executor, loc kv.Location, opts kv.GetOptions) (*kv.GetResult, error) {
	type outcome struct {
		res *kv.GetResult
		err error
	}
	ch := make(chan outcome, 1)
	ex.Get(ctx, loc, opts, func(res *kv.GetResult, err error) {
		ch <- outcome{res, err}
	})
	out := <-ch
	return out.res, out.err
}

func waitInsert(ctx context.Context, ex kv.Executor, loc kv.Location, value json.RawMessage, opts kv.MutateOptions) (kv.Cas, error) {
	type outcome struct {
		cas kv.Cas
		err error
	}
	ch := make(chan outcome, 1)
	ex.Insert(ctx, loc, value, opts, func(cas kv.Cas, err error) {
		ch <- outcome{cas, err}
	})
	out := <-ch
	return out.cas, out.err
}

func waitReplace(ctx context.Context, ex kv.Executor, loc kv.Location, value json.RawMessage, opts kv.MutateOptions) (kv.Cas, error) {
	type outcome struct {
		cas kv.Cas
		err error
	}
	ch := make(chan outcome, 1)
	ex.Replace(ctx, loc, value, opts, func(cas kv.Cas, err error) {
		ch <- outcome{cas, err}
	})
	out := <-ch
	return out.cas, out.err
}

func waitRemove(ctx context.Context, ex kv.Executor, loc kv.Location, opts kv.MutateOptions) error {
	ch := make(chan error, 1)
	ex.Remove(ctx, loc, opts, func(err error) {
		ch <- err
	})
	return <-ch
}
