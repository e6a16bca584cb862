package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWorkerPoolDeliversEveryTask(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	wg.Add(3)

	wp := NewWorkerPool(2, 10, func(ctx context.Context, id string) error {
		mu.Lock()
		seen[id]++
		mu.Unlock()
		wg.Done()
		return nil
	}, discardLogger())
	wp.Start()
	defer wp.Stop(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		if !wp.Enqueue(id) {
			t.Fatalf("Enqueue(%s) rejected", id)
		}
	}
	waitTimeout(t, &wg)

	mu.Lock()
	defer mu.Unlock()
	for _, id := range []string{"a", "b", "c"} {
		if seen[id] != 1 {
			t.Errorf("%s delivered %d times", id, seen[id])
		}
	}
}

func TestWorkerPoolSurvivesPanicAndError(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(3)
	wp := NewWorkerPool(1, 10, func(ctx context.Context, id string) error {
		defer wg.Done()
		switch id {
		case "panic":
			panic("boom")
		case "error":
			return errors.New("store down")
		}
		return nil
	}, discardLogger())
	wp.Start()
	defer wp.Stop(context.Background())

	wp.Enqueue("panic")
	wp.Enqueue("error")
	wp.Enqueue("ok")
	waitTimeout(t, &wg)
}

func TestEnqueueAfterDelays(t *testing.T) {
	got := make(chan time.Time, 1)
	wp := NewWorkerPool(1, 10, func(ctx context.Context, id string) error {
		got <- time.Now()
		return nil
	}, discardLogger())
	wp.Start()
	defer wp.Stop(context.Background())

	start := time.Now()
	wp.EnqueueAfter("late", 50*time.Millisecond)

	select {
	case at := <-got:
		if at.Sub(start) < 50*time.Millisecond {
			t.Errorf("delivered after %v", at.Sub(start))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delayed task never delivered")
	}
}

func TestStopCancelsDelayedAndRejectsNew(t *testing.T) {
	calls := make(chan string, 4)
	wp := NewWorkerPool(1, 10, func(ctx context.Context, id string) error {
		calls <- id
		return nil
	}, discardLogger())
	wp.Start()

	wp.EnqueueAfter("late", 100*time.Millisecond)
	if err := wp.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if wp.Enqueue("after-stop") {
		t.Error("Enqueue accepted after Stop")
	}

	select {
	case id := <-calls:
		t.Errorf("unexpected delivery %q after stop", id)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStopWaitsForInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	wp := NewWorkerPool(1, 10, func(ctx context.Context, id string) error {
		close(started)
		<-release
		return nil
	}, discardLogger())
	wp.Start()
	wp.Enqueue("slow")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := wp.Stop(ctx); err == nil {
		t.Error("Stop returned before in-flight handler finished")
	}

	close(release)
	if err := wp.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestHandlerReenqueueOnFullQueueDoesNotStall(t *testing.T) {
	var mu sync.Mutex
	runs := map[string]int{}
	var wp *WorkerPool
	filled := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(3)

	wp = NewWorkerPool(1, 1, func(ctx context.Context, id string) error {
		defer wg.Done()
		mu.Lock()
		runs[id]++
		n := runs[id]
		mu.Unlock()
		if id == "a" && n == 1 {
			// "b" now occupies the only slot; scheduling the next step must not block.
			<-filled
			wp.Enqueue("a")
		}
		return nil
	}, discardLogger())
	wp.Start()
	defer wp.Stop(context.Background())

	if !wp.Enqueue("a") {
		t.Fatal("Enqueue(a) rejected")
	}
	deadline := time.Now().Add(time.Second)
	for !wp.Enqueue("b") {
		if time.Now().After(deadline) {
			t.Fatal("Enqueue(b) never accepted")
		}
		time.Sleep(time.Millisecond)
	}
	close(filled)

	// The follow-up for "a" was dropped on the full queue; a later delivery,
	// as the recovery sweep makes, still gets through.
	go func() {
		for {
			mu.Lock()
			done := runs["b"] == 1
			mu.Unlock()
			if done {
				wp.Enqueue("a")
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	waitTimeout(t, &wg)
}

func TestEnqueueRejectsWhenFullAndSkipsQueuedDuplicates(t *testing.T) {
	wp := NewWorkerPool(1, 2, func(ctx context.Context, id string) error { return nil }, discardLogger())
	// Not started: nothing drains the queue.
	if !wp.Enqueue("a") || !wp.Enqueue("a") {
		t.Fatal("Enqueue(a) rejected")
	}
	if got := wp.Pending(); got != 1 {
		t.Errorf("Pending = %d after duplicate enqueue, want 1", got)
	}
	if !wp.Enqueue("b") {
		t.Fatal("Enqueue(b) rejected")
	}
	if wp.Enqueue("c") {
		t.Error("Enqueue(c) accepted on a full queue")
	}
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for deliveries")
	}
}
