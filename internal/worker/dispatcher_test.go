package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsAllTasks(t *testing.T) {
	d := NewDispatcher(2, 4, 16, time.Minute)

	var done int64
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.Submit(context.Background(), func() {
				atomic.AddInt64(&done, 1)
			})
			if err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt64(&done); got != 12 {
		t.Fatalf("expected 12 tasks to run, got %d", got)
	}
}

func TestSubmitBusyWhenSaturated(t *testing.T) {
	d := NewDispatcher(1, 1, 1, time.Minute)

	block := make(chan struct{})
	started := make(chan struct{})
	go d.Submit(context.Background(), func() {
		close(started)
		<-block
	})
	<-started

	// Second job: the dispatcher loop drains it from the queue and then
	// blocks waiting for the single busy worker.
	go d.Submit(context.Background(), func() { <-block })
	waitFor(t, func() bool { return len(d.JobQueue) == 0 })

	// Third job fills the queue slot.
	go d.Submit(context.Background(), func() { <-block })
	waitFor(t, func() bool { return len(d.JobQueue) == 1 })

	if err := d.Submit(context.Background(), func() {}); !errors.Is(err, ErrDispatcherBusy) {
		t.Fatalf("expected ErrDispatcherBusy, got %v", err)
	}
	close(block)
}

func TestSubmitHonorsContext(t *testing.T) {
	d := NewDispatcher(1, 1, 4, time.Minute)

	block := make(chan struct{})
	started := make(chan struct{})
	go d.Submit(context.Background(), func() {
		close(started)
		<-block
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := d.Submit(ctx, func() { <-block }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(block)
}

func TestSubmitReturnsTaskPanic(t *testing.T) {
	d := NewDispatcher(1, 1, 4, time.Minute)

	err := d.Submit(context.Background(), func() { panic("boom") })
	if err == nil {
		t.Fatal("expected an error from a panicking task")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("panic value missing from error: %v", err)
	}

	// The worker itself survives and keeps serving jobs.
	ran := false
	if err := d.Submit(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("follow-up submit: %v", err)
	}
	if !ran {
		t.Fatal("worker did not run follow-up task")
	}
}

func TestPoolShrinksToMin(t *testing.T) {
	p := newJobChannelPool(1, 4, 20*time.Millisecond)
	for i := 0; i < 4; i++ {
		p.spawnWorker()
	}
	if got := p.runningWorkers(); got != 4 {
		t.Fatalf("expected 4 workers, got %d", got)
	}

	time.Sleep(30 * time.Millisecond)
	p.shutdownExpired()
	waitFor(t, func() bool { return p.runningWorkers() == 1 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
