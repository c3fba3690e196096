// Package queue is the bounded work queue that decouples call ingest from
// transcription: accepted uploads are enqueued as Tasks and a fixed worker
// pool drains them, retrying transient failures through a dedicated retry
// queue before giving up. The main queue is a bounded channel used as a
// FIFO, so backpressure is rejection when full rather than an unbounded
// buffer; per-task state lives in active/completed/failed maps and a
// dedicated shuffler goroutine feeds retries back onto the main queue.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/swiftraccoon/callreceiver/internal/metrics"
	"github.com/swiftraccoon/callreceiver/internal/store"
)

// ErrFull is returned by Enqueue when the main queue is at capacity. The
// caller (the ingest endpoint) turns this into either a 503 response or an
// inline synchronous fallback.
var ErrFull = errors.New("queue: at capacity")

// ErrNotFound is returned by TaskStatus when the task_id is not tracked in
// any of the active, completed, or failed maps (it may never have existed,
// or may have been reaped).
var ErrNotFound = errors.New("queue: task not found")

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Task is one unit of work: a call recording awaiting transcription.
type Task struct {
	TaskID        string
	CallMeta      store.NewCall
	AudioFilePath string
	CreatedAt     time.Time

	Status      Status
	RetryCount  int
	MaxRetries  int
	LastError   string
	WorkerID    int
	StartedAt   time.Time
	CompletedAt time.Time
}

// Processor performs the actual transcription-and-commit work for one
// task. It is supplied at Start time, not at construction, so the queue
// itself stays agnostic to the Transcriber/Store wiring.
type Processor func(ctx context.Context, audioPath string, callMeta store.NewCall) error

type Options struct {
	Capacity      int
	RetryCapacity int
	Workers       int
	MaxRetries    int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	// RetryShuffleTimeout bounds how long the shuffler waits for room on
	// the main queue before giving the retry slot back.
	RetryShuffleTimeout time.Duration
	// StatusTTL is the age CleanupOld evicts terminal tasks at when it is
	// called with a non-positive maxAge. Zero means 24h. The queue never
	// evicts on its own; the coordinator calls CleanupOld explicitly.
	StatusTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = 100
	}
	if o.RetryCapacity <= 0 {
		o.RetryCapacity = o.Capacity/2 + 1
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 5 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.RetryShuffleTimeout <= 0 {
		o.RetryShuffleTimeout = 5 * time.Second
	}
	if o.StatusTTL <= 0 {
		o.StatusTTL = 24 * time.Hour
	}
	return o
}

// Stats is a snapshot of queue throughput, exported for the metrics
// collector and the health endpoint.
type Stats struct {
	Enqueued       int64
	Processed      int64
	Failed         int64
	Retried        int64
	FullRejections int64
	AvgLatency     time.Duration

	MainQueueSize  int
	RetryQueueSize int
	ActiveCount    int
	CompletedCount int
	FailedCount    int
	WorkerCount    int
	Running        bool
}

type Queue struct {
	opts Options
	log  zerolog.Logger

	// OnPermanentFailure, if set before Start, is invoked (off the worker
	// goroutine's critical path is not guaranteed — keep it fast) whenever
	// a task exhausts its retries or is dropped by a full retry queue. The
	// coordinator wires this to store.InsertCall + store.UpdateStatus so a
	// call that never reaches a completed transcription still gets a
	// terminal radio_calls row.
	OnPermanentFailure func(Task)

	mainCh  chan Task
	retryCh chan Task
	stopCh  chan struct{}
	wg      sync.WaitGroup

	runningMu sync.Mutex
	running   bool

	tasksMu   sync.Mutex
	active    map[string]*Task
	completed map[string]*Task
	failed    map[string]*Task

	statsMu        sync.Mutex
	enqueued       int64
	processed      int64
	failedCount    int64
	retried        int64
	fullRejections int64
	emaLatency     float64 // milliseconds
}

func New(opts Options, log zerolog.Logger) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		opts:      opts,
		log:       log,
		mainCh:    make(chan Task, opts.Capacity),
		retryCh:   make(chan Task, opts.RetryCapacity),
		stopCh:    make(chan struct{}),
		active:    make(map[string]*Task),
		completed: make(map[string]*Task),
		failed:    make(map[string]*Task),
	}
}

// Start launches the worker pool, the retry-shuffler, and the processor
// they all drive. It returns immediately; call Stop to drain and shut
// down.
func (q *Queue) Start(processor Processor) {
	q.runningMu.Lock()
	q.running = true
	q.runningMu.Unlock()

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i, processor)
	}
	q.wg.Add(1)
	go q.shuffler()
}

// Stop requests shutdown. Workers finish the task in hand, then exit;
// tasks still sitting in the main queue remain tracked as active but are
// not processed further.
func (q *Queue) Stop() {
	close(q.stopCh)
	q.wg.Wait()
	q.runningMu.Lock()
	q.running = false
	q.runningMu.Unlock()
}

// Enqueue submits a task without blocking. It returns ErrFull if the main
// queue is at capacity, which is how backpressure becomes observable to
// the ingest endpoint.
func (q *Queue) Enqueue(t Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = q.opts.MaxRetries
	}
	t.Status = StatusPending
	q.trackActive(t)

	select {
	case q.mainCh <- t:
		q.statsMu.Lock()
		q.enqueued++
		q.statsMu.Unlock()
		return nil
	default:
		q.tasksMu.Lock()
		delete(q.active, t.TaskID)
		q.tasksMu.Unlock()
		q.statsMu.Lock()
		q.fullRejections++
		q.statsMu.Unlock()
		return ErrFull
	}
}

// TaskStatus returns the task from whichever of active, completed, or
// failed currently holds it, or ErrNotFound.
func (q *Queue) TaskStatus(taskID string) (Task, error) {
	q.tasksMu.Lock()
	defer q.tasksMu.Unlock()
	if t, ok := q.active[taskID]; ok {
		return *t, nil
	}
	if t, ok := q.completed[taskID]; ok {
		return *t, nil
	}
	if t, ok := q.failed[taskID]; ok {
		return *t, nil
	}
	return Task{}, ErrNotFound
}

func (q *Queue) Stats() Stats {
	q.tasksMu.Lock()
	active := len(q.active)
	completed := len(q.completed)
	failedN := len(q.failed)
	q.tasksMu.Unlock()

	q.runningMu.Lock()
	running := q.running
	q.runningMu.Unlock()

	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	return Stats{
		Enqueued:       q.enqueued,
		Processed:      q.processed,
		Failed:         q.failedCount,
		Retried:        q.retried,
		FullRejections: q.fullRejections,
		AvgLatency:     time.Duration(q.emaLatency) * time.Millisecond,
		MainQueueSize:  len(q.mainCh),
		RetryQueueSize: len(q.retryCh),
		ActiveCount:    active,
		CompletedCount: completed,
		FailedCount:    failedN,
		WorkerCount:    q.opts.Workers,
		Running:        running,
	}
}

func (q *Queue) trackActive(t Task) {
	q.tasksMu.Lock()
	cp := t
	q.active[t.TaskID] = &cp
	q.tasksMu.Unlock()
}

func (q *Queue) moveToCompleted(t Task) {
	q.tasksMu.Lock()
	delete(q.active, t.TaskID)
	cp := t
	q.completed[t.TaskID] = &cp
	q.tasksMu.Unlock()
}

func (q *Queue) moveToFailed(t Task) {
	q.tasksMu.Lock()
	delete(q.active, t.TaskID)
	cp := t
	q.failed[t.TaskID] = &cp
	q.tasksMu.Unlock()
	metrics.TranscriptionsTotal.WithLabelValues("failed").Inc()
	if q.OnPermanentFailure != nil {
		q.OnPermanentFailure(t)
	}
}

func (q *Queue) updateActive(t Task) {
	q.tasksMu.Lock()
	if _, ok := q.active[t.TaskID]; ok {
		cp := t
		q.active[t.TaskID] = &cp
	}
	q.tasksMu.Unlock()
}

// worker is the per-worker loop: poll with a short
// timeout so shutdown stays responsive, run the processor, then route the
// outcome to completed, the retry queue, or failed.
func (q *Queue) worker(id int, processor Processor) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case t, ok := <-q.mainCh:
			if !ok {
				return
			}
			q.run(id, t, processor)
		case <-time.After(time.Second):
		}
	}
}

func (q *Queue) run(workerID int, t Task, processor Processor) {
	t.Status = StatusProcessing
	t.StartedAt = time.Now()
	t.WorkerID = workerID
	q.updateActive(t)

	err := processor(context.Background(), t.AudioFilePath, t.CallMeta)
	elapsed := time.Since(t.StartedAt)
	q.recordLatency(elapsed)

	if err == nil {
		t.Status = StatusCompleted
		t.CompletedAt = time.Now()
		q.statsMu.Lock()
		q.processed++
		q.statsMu.Unlock()
		q.moveToCompleted(t)
		metrics.TranscriptionsTotal.WithLabelValues("completed").Inc()
		return
	}

	t.RetryCount++
	t.LastError = err.Error()

	if t.RetryCount <= t.MaxRetries {
		t.Status = StatusRetrying
		q.updateActive(t)
		q.statsMu.Lock()
		q.retried++
		q.statsMu.Unlock()

		backoff := q.backoffFor(t.RetryCount)
		q.log.Warn().Err(err).Str("task_id", t.TaskID).Int("retry_count", t.RetryCount).
			Dur("backoff", backoff).Msg("transcription failed, will retry")
		metrics.TranscriptionsTotal.WithLabelValues("retried").Inc()

		select {
		case <-time.After(backoff):
		case <-q.stopCh:
			return
		}

		select {
		case q.retryCh <- t:
		default:
			// Retry queue is also full: this task is done.
			t.Status = StatusFailed
			t.CompletedAt = time.Now()
			q.statsMu.Lock()
			q.failedCount++
			q.statsMu.Unlock()
			q.moveToFailed(t)
			q.log.Error().Str("task_id", t.TaskID).Msg("retry queue full, task failed")
		}
		return
	}

	t.Status = StatusFailed
	t.CompletedAt = time.Now()
	q.statsMu.Lock()
	q.failedCount++
	q.statsMu.Unlock()
	q.moveToFailed(t)
	q.log.Error().Err(err).Str("task_id", t.TaskID).Int("retry_count", t.RetryCount).
		Msg("task exhausted retries")
}

// shuffler dequeues from the retry queue and attempts to put tasks back
// onto the main queue. A blocked main queue for longer than
// RetryShuffleTimeout is pushed back onto the retry queue; if that also
// fails the task is moved to failed.
func (q *Queue) shuffler() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case t, ok := <-q.retryCh:
			if !ok {
				return
			}
			select {
			case q.mainCh <- t:
			case <-time.After(q.opts.RetryShuffleTimeout):
				select {
				case q.retryCh <- t:
				default:
					t.Status = StatusFailed
					t.CompletedAt = time.Now()
					q.statsMu.Lock()
					q.failedCount++
					q.statsMu.Unlock()
					q.moveToFailed(t)
					q.log.Error().Str("task_id", t.TaskID).Msg("retry shuffle exhausted, task failed")
				}
			case <-q.stopCh:
				return
			}
		}
	}
}

// backoffFor computes linear backoff with a hard ceiling:
// min(base * retry_count, max_backoff).
func (q *Queue) backoffFor(retryCount int) time.Duration {
	d := q.opts.BaseBackoff * time.Duration(retryCount)
	if d > q.opts.MaxBackoff {
		return q.opts.MaxBackoff
	}
	return d
}

// recordLatency updates the exponential moving average of processing
// time: avg <- 0.9*avg + 0.1*x, with the first sample setting avg
// directly so there's no floating-point drift from a zero-valued seed.
func (q *Queue) recordLatency(d time.Duration) {
	const alpha = 0.1
	ms := float64(d.Milliseconds())
	q.statsMu.Lock()
	if q.processed == 0 && q.retried == 0 && q.failedCount == 0 {
		q.emaLatency = ms
	} else {
		q.emaLatency = (1-alpha)*q.emaLatency + alpha*ms
	}
	q.statsMu.Unlock()
}

// CleanupOld evicts completed/failed entries older than maxAge. The
// coordinator is expected to call this periodically (default 24h).
func (q *Queue) CleanupOld(maxAge time.Duration) {
	if maxAge <= 0 {
		maxAge = q.opts.StatusTTL
	}
	cutoff := time.Now().Add(-maxAge)
	q.tasksMu.Lock()
	defer q.tasksMu.Unlock()
	for id, t := range q.completed {
		if t.CompletedAt.Before(cutoff) {
			delete(q.completed, id)
		}
	}
	for id, t := range q.failed {
		if t.CompletedAt.Before(cutoff) {
			delete(q.failed, id)
		}
	}
}
