package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/swiftraccoon/callreceiver/internal/store"
)

func TestQueue_ProcessesTaskSuccessfully(t *testing.T) {
	var got atomic.Int32
	q := New(Options{Capacity: 10, Workers: 2, MaxRetries: 3}, zerolog.Nop())
	q.Start(func(ctx context.Context, audioPath string, meta store.NewCall) error {
		got.Add(1)
		return nil
	})
	defer q.Stop()

	if err := q.Enqueue(Task{TaskID: "task1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, func() bool { return got.Load() == 1 })

	task, err := q.TaskStatus("task1")
	if err != nil || task.Status != StatusCompleted {
		t.Fatalf("expected completed status, got %+v (err=%v)", task, err)
	}
}

func TestQueue_RetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	q := New(Options{Capacity: 10, Workers: 1, MaxRetries: 5, BaseBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}, zerolog.Nop())
	q.Start(func(ctx context.Context, audioPath string, meta store.NewCall) error {
		n := attempts.Add(1)
		if n < 3 {
			return errors.New("transient failure")
		}
		return nil
	})
	defer q.Stop()

	q.Enqueue(Task{TaskID: "task1"})
	waitFor(t, func() bool {
		task, err := q.TaskStatus("task1")
		return err == nil && task.Status == StatusCompleted
	})

	if attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestQueue_ExhaustsRetriesAndFails(t *testing.T) {
	q := New(Options{Capacity: 10, Workers: 1, MaxRetries: 2, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, zerolog.Nop())
	q.Start(func(ctx context.Context, audioPath string, meta store.NewCall) error {
		return errors.New("permanent failure")
	})
	defer q.Stop()

	q.Enqueue(Task{TaskID: "task1"})
	waitFor(t, func() bool {
		task, err := q.TaskStatus("task1")
		return err == nil && task.Status == StatusFailed
	})

	stats := q.Stats()
	if stats.Failed != 1 {
		t.Fatalf("expected 1 failed task, got %+v", stats)
	}
	// retry_count on a permanently failed task is exactly max_retries+1.
	task, _ := q.TaskStatus("task1")
	if task.RetryCount != 3 {
		t.Fatalf("expected retry_count 3 (max_retries+1), got %d", task.RetryCount)
	}
}

func TestQueue_RejectsWhenFull(t *testing.T) {
	block := make(chan struct{})
	q := New(Options{Capacity: 1, Workers: 1, MaxRetries: 1}, zerolog.Nop())
	q.Start(func(ctx context.Context, audioPath string, meta store.NewCall) error {
		<-block
		return nil
	})
	defer func() {
		close(block)
		q.Stop()
	}()

	if err := q.Enqueue(Task{TaskID: "a"}); err != nil {
		t.Fatalf("first enqueue should succeed: %v", err)
	}
	// give the worker a moment to pick up task "a"; dequeuing it frees the
	// single channel slot, so "b" fits while the worker stays blocked.
	time.Sleep(10 * time.Millisecond)
	if err := q.Enqueue(Task{TaskID: "b"}); err != nil {
		t.Fatalf("second enqueue should fit in the buffer: %v", err)
	}
	if err := q.Enqueue(Task{TaskID: "c"}); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}

	stats := q.Stats()
	if stats.FullRejections != 1 {
		t.Fatalf("expected 1 full rejection, got %+v", stats)
	}
}

func TestQueue_StatsTracksThroughput(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(5)
	q := New(Options{Capacity: 10, Workers: 2, MaxRetries: 1}, zerolog.Nop())
	q.Start(func(ctx context.Context, audioPath string, meta store.NewCall) error {
		defer wg.Done()
		return nil
	})
	defer q.Stop()

	for i := 0; i < 5; i++ {
		q.Enqueue(Task{TaskID: string(rune('a' + i))})
	}
	wg.Wait()
	waitFor(t, func() bool { return q.Stats().Processed == 5 })
}

func TestQueue_TaskStatusNotFound(t *testing.T) {
	q := New(Options{Capacity: 10, Workers: 1}, zerolog.Nop())
	if _, err := q.TaskStatus("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueue_CleanupOldEvictsTerminalTasks(t *testing.T) {
	q := New(Options{Capacity: 10, Workers: 1, MaxRetries: 1}, zerolog.Nop())
	q.Start(func(ctx context.Context, audioPath string, meta store.NewCall) error {
		return nil
	})
	q.Enqueue(Task{TaskID: "task1"})
	waitFor(t, func() bool {
		task, err := q.TaskStatus("task1")
		return err == nil && task.Status == StatusCompleted
	})
	q.Stop()

	q.tasksMu.Lock()
	q.completed["task1"].CompletedAt = time.Now().Add(-48 * time.Hour)
	q.tasksMu.Unlock()

	q.CleanupOld(24 * time.Hour)

	if _, err := q.TaskStatus("task1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected task to be reaped, got err=%v", err)
	}
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
	t.Fatal("condition not met before deadline")
}
