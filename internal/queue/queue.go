// Package queue implements the sequential job queue substrate (spec C1): a
// generic single-worker FIFO with retries and lifecycle callbacks. Each
// pipeline stage (C5/C6) instantiates its own Queue so stages serialize
// internally but run concurrently with each other.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is a unit of work executed sequentially by a single Queue worker.
// Execute may suspend (block on I/O, GPU acquisition, RPCs) and may panic or
// return an error; both are caught and converted into retry/failure.
type Job interface {
	ID() string
	Execute(ctx context.Context) error
}

// Config controls retry behavior and the idle poll interval.
type Config struct {
	MaxRetries  int
	RetryDelay  time.Duration
	IdlePoll    time.Duration // how often the worker wakes to observe shutdown while idle
}

// DefaultConfig mirrors the teacher's DefaultQueueConfig tuning.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		RetryDelay: time.Second,
		IdlePoll:   time.Second,
	}
}

// Callbacks are function-valued fields, not vtable methods — per spec.md
// §9 "Inheritance -> variants": job lifecycle hooks are plain funcs wired by
// the orchestrator, never invoked by the job itself.
type Callbacks struct {
	OnStarted  func(j Job)
	OnComplete func(j Job)
	OnFailed   func(j Job, err error)
}

type entry struct {
	job     Job
	retries int
}

// Statistics is a point-in-time snapshot of queue activity.
type Statistics struct {
	Running        bool
	QueueSize      int
	TotalProcessed int64
	TotalFailed    int64
	CurrentJobID   string
}

// Queue is a single-worker FIFO job queue.
type Queue struct {
	name      string
	cfg       Config
	callbacks Callbacks

	mu       sync.Mutex
	pending  []entry
	notify   chan struct{}
	running  bool
	stopping bool
	stopped  chan struct{}

	totalProcessed int64
	totalFailed    int64
	currentJobID   string

	logger *logrus.Entry
}

// New creates a Queue; it does not start the worker (see Start).
func New(name string, cfg Config, callbacks Callbacks) *Queue {
	return &Queue{
		name:      name,
		cfg:       cfg,
		callbacks: callbacks,
		notify:    make(chan struct{}, 1),
		logger:    logrus.WithField("queue", name),
	}
}

// AddJob enqueues j; it is non-blocking and idempotently starts the worker
// if it is idle.
func (q *Queue) AddJob(j Job) {
	q.mu.Lock()
	q.pending = append(q.pending, entry{job: j})
	wasRunning := q.running
	q.mu.Unlock()

	q.logger.WithField("job_id", j.ID()).Debug("job enqueued")

	if !wasRunning {
		q.Start()
	}
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Start begins the worker goroutine if it is not already running.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.stopping = false
	q.stopped = make(chan struct{})
	q.mu.Unlock()

	q.logger.Info("queue worker started")
	go q.run()
}

// Stop signals the worker to shut down. If waitForCompletion is true it
// blocks until the current Job's Execute (if any) returns and the worker
// exits; otherwise it returns immediately.
func (q *Queue) Stop(waitForCompletion bool) {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.stopping = true
	stopped := q.stopped
	q.mu.Unlock()

	q.wake()

	if waitForCompletion {
		<-stopped
	}
}

func (q *Queue) run() {
	defer func() {
		q.mu.Lock()
		q.running = false
		stopped := q.stopped
		q.mu.Unlock()
		if stopped != nil {
			close(stopped)
		}
		q.logger.Info("queue worker stopped")
	}()

	for {
		q.mu.Lock()
		if q.stopping {
			q.mu.Unlock()
			return
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-time.After(q.cfg.IdlePoll):
				continue
			}
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.currentJobID = next.job.ID()
		q.mu.Unlock()

		q.process(next)
	}
}

func (q *Queue) process(e entry) {
	logger := q.logger.WithField("job_id", e.job.ID())

	q.fireStarted(e.job)

	err := q.safeExecute(e.job)

	if err == nil {
		q.mu.Lock()
		q.totalProcessed++
		q.currentJobID = ""
		q.mu.Unlock()
		logger.Info("job completed")
		q.fireComplete(e.job)
		return
	}

	e.retries++
	if e.retries < q.cfg.MaxRetries {
		logger.WithError(err).WithField("attempt", e.retries).Warn("job failed, retrying")
		q.mu.Lock()
		q.pending = append(q.pending, e)
		q.currentJobID = ""
		q.mu.Unlock()
		time.Sleep(q.cfg.RetryDelay)
		q.wake()
		return
	}

	q.mu.Lock()
	q.totalFailed++
	q.currentJobID = ""
	q.mu.Unlock()
	logger.WithError(err).Error("job failed after all retries")
	q.fireFailed(e.job, err)
}

// safeExecute recovers from a panic inside Execute and converts it to an
// error, matching the teacher's "exceptions inside Execute() are caught"
// contract.
func (q *Queue) safeExecute(j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	return j.Execute(ctx)
}

// fireStarted/fireComplete/fireFailed invoke callbacks best-effort: a
// callback panic is logged and swallowed, never propagated to the worker.
func (q *Queue) fireStarted(j Job) {
	if q.callbacks.OnStarted == nil {
		return
	}
	defer q.recoverCallback("OnStarted")
	q.callbacks.OnStarted(j)
}

func (q *Queue) fireComplete(j Job) {
	if q.callbacks.OnComplete == nil {
		return
	}
	defer q.recoverCallback("OnComplete")
	q.callbacks.OnComplete(j)
}

func (q *Queue) fireFailed(j Job, err error) {
	if q.callbacks.OnFailed == nil {
		return
	}
	defer q.recoverCallback("OnFailed")
	q.callbacks.OnFailed(j, err)
}

func (q *Queue) recoverCallback(name string) {
	if r := recover(); r != nil {
		q.logger.WithField("callback", name).Errorf("callback panicked: %v", r)
	}
}

// Statistics returns a snapshot of queue activity.
func (q *Queue) Statistics() Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Statistics{
		Running:        q.running,
		QueueSize:      len(q.pending),
		TotalProcessed: q.totalProcessed,
		TotalFailed:    q.totalFailed,
		CurrentJobID:   q.currentJobID,
	}
}
