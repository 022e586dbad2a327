package agent

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// BatchRequest is one invocation of a batch. An empty ThreadID gets a fresh
// thread.
type BatchRequest struct {
	ThreadID string
	Input    TurnInput
}

// BatchResult is the outcome of the request at Index.
type BatchResult struct {
	Index    int
	ThreadID string
	Result   *Result
	Err      error
}

// Batch runs independent invocations with at most maxConcurrency in flight
// and sends each result as it finishes. The channel is closed after one
// result per request. maxConcurrency <= 0 uses the configured default.
func (rt *Runtime) Batch(ctx context.Context, reqs []BatchRequest, maxConcurrency int) <-chan BatchResult {
	if maxConcurrency <= 0 {
		maxConcurrency = rt.cfg.BatchConcurrency
	}
	out := make(chan BatchResult, len(reqs))

	var g errgroup.Group
	g.SetLimit(maxConcurrency)
	go func() {
		for i, req := range reqs {
			threadID := req.ThreadID
			if threadID == "" {
				threadID = uuid.NewString()
			}
			g.Go(func() error {
				res, err := rt.Invoke(ctx, threadID, req.Input)
				out <- BatchResult{Index: i, ThreadID: threadID, Result: res, Err: err}
				return nil
			})
		}
		_ = g.Wait()
		close(out)
	}()
	return out
}

// BatchAll runs Batch and returns the results in request order.
func (rt *Runtime) BatchAll(ctx context.Context, reqs []BatchRequest, maxConcurrency int) []BatchResult {
	results := make([]BatchResult, len(reqs))
	for res := range rt.Batch(ctx, reqs, maxConcurrency) {
		results[res.Index] = res
	}
	return results
}
