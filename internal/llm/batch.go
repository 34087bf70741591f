package llm

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the pool size used when none is configured: one worker
// per CPU plus four, capped at 32.
func DefaultWorkers() int {
	n := runtime.NumCPU() + 4
	if n > 32 {
		n = 32
	}
	return n
}

// BatchOptions controls how a batch is fanned out.
type BatchOptions struct {
	Workers  int  // Pool size (0 = DefaultWorkers)
	FailFast bool // Cancel in-flight siblings after the first failure
}

// Dispatch runs fn once per index on a bounded pool and returns the results
// in index order. Failures are isolated per index unless FailFast is set, in
// which case the remaining tasks see a cancelled context.
func Dispatch(ctx context.Context, n int, opts BatchOptions, fn func(ctx context.Context, i int) (string, error)) []Result {
	results := make([]Result, n)
	if n == 0 {
		return results
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = Result{Err: err}
				return nil
			}
			text, err := fn(gctx, i)
			results[i] = Result{Text: text, Err: err}
			if err != nil && opts.FailFast {
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// IndexedError ties a failure to its input position.
type IndexedError struct {
	Index int
	Err   error
}

// BatchError reports every failed input of a batch.
type BatchError struct {
	Total    int
	Failures []IndexedError
}

func (e *BatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d inputs failed", len(e.Failures), e.Total)
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "; [%d] %v", f.Index, f.Err)
	}
	return b.String()
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Collect splits results into texts (empty for failed slots) and a
// *BatchError when any input failed.
func Collect(results []Result) ([]string, error) {
	texts := make([]string, len(results))
	var failures []IndexedError
	for i, r := range results {
		if r.Err != nil {
			failures = append(failures, IndexedError{Index: i, Err: r.Err})
			continue
		}
		texts[i] = r.Text
	}
	if len(failures) > 0 {
		return texts, &BatchError{Total: len(results), Failures: failures}
	}
	return texts, nil
}
