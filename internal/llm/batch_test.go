package llm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultWorkers(t *testing.T) {
	n := DefaultWorkers()
	if n < 5 || n > 32 {
		t.Fatalf("expected pool size within [5, 32], got %d", n)
	}
}

func TestDispatch_PreservesOrder(t *testing.T) {
	const n = 20
	results := Dispatch(context.Background(), n, BatchOptions{Workers: 4}, func(ctx context.Context, i int) (string, error) {
		// Later inputs finish first.
		time.Sleep(time.Duration(n-i) * time.Millisecond)
		return fmt.Sprintf("out-%d", i), nil
	})

	if len(results) != n {
		t.Fatalf("expected %d results, got %d", n, len(results))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("result %d: unexpected error %v", i, r.Err)
		}
		if r.Text != fmt.Sprintf("out-%d", i) {
			t.Errorf("result %d: got %q", i, r.Text)
		}
	}
}

func TestDispatch_BoundedPool(t *testing.T) {
	var inflight, peak int32
	Dispatch(context.Background(), 16, BatchOptions{Workers: 3}, func(ctx context.Context, i int) (string, error) {
		cur := atomic.AddInt32(&inflight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		return "", nil
	})
	if peak > 3 {
		t.Fatalf("expected at most 3 concurrent tasks, saw %d", peak)
	}
}

func TestDispatch_IsolatesFailures(t *testing.T) {
	boom := errors.New("boom")
	results := Dispatch(context.Background(), 3, BatchOptions{}, func(ctx context.Context, i int) (string, error) {
		if i == 1 {
			return "", boom
		}
		time.Sleep(10 * time.Millisecond)
		return "ok", nil
	})

	if results[0].Text != "ok" || results[2].Text != "ok" {
		t.Fatalf("siblings should complete, got %+v", results)
	}
	if !errors.Is(results[1].Err, boom) {
		t.Fatalf("expected boom at index 1, got %v", results[1].Err)
	}
}

func TestDispatch_FailFastCancelsSiblings(t *testing.T) {
	boom := errors.New("boom")
	results := Dispatch(context.Background(), 3, BatchOptions{Workers: 3, FailFast: true}, func(ctx context.Context, i int) (string, error) {
		if i == 0 {
			return "", boom
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
			return "late", nil
		}
	})

	if !errors.Is(results[0].Err, boom) {
		t.Fatalf("expected boom at index 0, got %v", results[0].Err)
	}
	for _, i := range []int{1, 2} {
		if !errors.Is(results[i].Err, context.Canceled) {
			t.Errorf("result %d: expected cancellation, got %+v", i, results[i])
		}
	}
}

func TestDispatch_Empty(t *testing.T) {
	results := Dispatch(context.Background(), 0, BatchOptions{}, func(ctx context.Context, i int) (string, error) {
		t.Fatal("fn must not be called")
		return "", nil
	})
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}

func TestCollect(t *testing.T) {
	boom := errors.New("boom")
	texts, err := Collect([]Result{{Text: "a"}, {Err: boom}, {Text: "c"}})

	if len(texts) != 3 || texts[0] != "a" || texts[1] != "" || texts[2] != "c" {
		t.Fatalf("unexpected texts %q", texts)
	}
	var be *BatchError
	if !errors.As(err, &be) {
		t.Fatalf("expected BatchError, got %v", err)
	}
	if be.Total != 3 || len(be.Failures) != 1 || be.Failures[0].Index != 1 {
		t.Fatalf("unexpected batch error %+v", be)
	}
	if !errors.Is(err, boom) {
		t.Fatal("BatchError should unwrap to the input error")
	}

	texts, err = Collect([]Result{{Text: "a"}})
	if err != nil || texts[0] != "a" {
		t.Fatalf("expected clean collect, got %q %v", texts, err)
	}
}
