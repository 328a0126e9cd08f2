package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kraklabs/embedpipe/internal/pipelineerr"
)

func collectSink() (func(Result), func() []Result) {
	var mu sync.Mutex
	var results []Result
	return func(r Result) {
			mu.Lock()
			defer mu.Unlock()
			results = append(results, r)
		}, func() []Result {
			mu.Lock()
			defer mu.Unlock()
			out := make([]Result, len(results))
			copy(out, results)
			return out
		}
}

func TestBatchesFlushOnSize(t *testing.T) {
	var calls atomic.Int32
	run := func(ctx context.Context, items []WorkItem) []error {
		calls.Add(1)
		for _, item := range items {
			item.ResultSink(Result{ImageID: item.ImageID})
		}
		return make([]error, len(items))
	}

	sch := New(context.Background())
	sch.AddLane(LaneSemantic, LaneConfig{BatchSize: 4, BatchLinger: time.Hour, Run: run})

	sink, results := collectSink()
	for i := 0; i < 4; i++ {
		if err := sch.Enqueue(context.Background(), LaneSemantic, WorkItem{ImageID: int64(i), ResultSink: sink}); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(results()) < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	sch.Shutdown()

	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 batch dispatched by size, got %d", calls.Load())
	}
	if len(results()) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results()))
	}
}

func TestBatchesFlushOnLinger(t *testing.T) {
	var calls atomic.Int32
	run := func(ctx context.Context, items []WorkItem) []error {
		calls.Add(1)
		for _, item := range items {
			item.ResultSink(Result{ImageID: item.ImageID})
		}
		return make([]error, len(items))
	}

	sch := New(context.Background())
	sch.AddLane(LaneSemantic, LaneConfig{BatchSize: 100, BatchLinger: 20 * time.Millisecond, Run: run})

	sink, results := collectSink()
	if err := sch.Enqueue(context.Background(), LaneSemantic, WorkItem{ImageID: 1, ResultSink: sink}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(results()) < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	sch.Shutdown()

	if calls.Load() != 1 {
		t.Fatalf("expected 1 batch dispatched by linger timeout, got %d", calls.Load())
	}
}

func TestTransientErrorRetriesWithHalving(t *testing.T) {
	var attempts []int
	var mu sync.Mutex
	run := func(ctx context.Context, items []WorkItem) []error {
		mu.Lock()
		attempts = append(attempts, len(items))
		mu.Unlock()
		errs := make([]error, len(items))
		for i := range errs {
			errs[i] = pipelineerr.ErrEncoderTransient
		}
		return errs
	}

	sch := New(context.Background())
	sch.AddLane(LaneVision, LaneConfig{BatchSize: 4, BatchLinger: time.Hour, Run: run})

	sink, results := collectSink()
	for i := 0; i < 4; i++ {
		if err := sch.Enqueue(context.Background(), LaneVision, WorkItem{ImageID: int64(i), ResultSink: sink}); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(results()) < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	sch.Shutdown()

	for _, r := range results() {
		if r.Err == nil {
			t.Fatal("expected every item to fail after exhausting retries")
		}
		if !errors.Is(r.Err, pipelineerr.ErrEncoderFatal) {
			t.Fatalf("expected EncoderFatal after exhausted retries, got %v", r.Err)
		}
	}
	// 1 initial + halving retries: sizes should shrink across attempts.
	mu.Lock()
	defer mu.Unlock()
	if len(attempts) < 2 {
		t.Fatalf("expected more than one attempt due to retries, got %v", attempts)
	}
	if attempts[1] >= attempts[0] {
		t.Fatalf("expected the first retry to run a halved batch, got attempt sizes %v", attempts)
	}
}

func TestEnqueueAfterShutdownFails(t *testing.T) {
	run := func(ctx context.Context, items []WorkItem) []error { return make([]error, len(items)) }
	sch := New(context.Background())
	sch.AddLane(LaneSemantic, LaneConfig{BatchSize: 1, BatchLinger: time.Millisecond, Run: run})
	sch.Shutdown()

	sink, _ := collectSink()
	err := sch.Enqueue(context.Background(), LaneSemantic, WorkItem{ImageID: 1, ResultSink: sink})
	if err == nil {
		t.Fatal("expected enqueue after shutdown to fail")
	}
}
