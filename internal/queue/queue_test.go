package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJob struct {
	id        string
	execCount atomic.Int32
	failUntil int32
	executed  func()
}

func (f *fakeJob) ID() string { return f.id }

func (f *fakeJob) Execute(ctx context.Context) error {
	n := f.execCount.Add(1)
	if f.executed != nil {
		f.executed()
	}
	if n <= f.failUntil {
		return errors.New("transient failure")
	}
	return nil
}

func TestQueue_ExecutesJobsInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	q := New("test", DefaultConfig(), Callbacks{
		OnComplete: func(j Job) {
			mu.Lock()
			order = append(order, j.ID())
			mu.Unlock()
		},
	})

	for _, id := range []string{"a", "b", "c"} {
		q.AddJob(&fakeJob{id: id})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestQueue_RetriesThenSucceeds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.MaxRetries = 3

	var completed, failed int32
	q := New("retry", cfg, Callbacks{
		OnComplete: func(j Job) { atomic.AddInt32(&completed, 1) },
		OnFailed:   func(j Job, err error) { atomic.AddInt32(&failed, 1) },
	})

	job := &fakeJob{id: "retryme", failUntil: 1}
	q.AddJob(job)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&completed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(0), atomic.LoadInt32(&failed))
	assert.Equal(t, int32(2), job.execCount.Load())
}

func TestQueue_FailsAfterMaxRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.MaxRetries = 2

	var failed int32
	var lastErr error
	q := New("fail", cfg, Callbacks{
		OnFailed: func(j Job, err error) {
			atomic.AddInt32(&failed, 1)
			lastErr = err
		},
	})

	job := &fakeJob{id: "alwaysfails", failUntil: 100}
	q.AddJob(job)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&failed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Error(t, lastErr)
	assert.Equal(t, int32(2), job.execCount.Load())
}

type panicJob struct{ id string }

func (p *panicJob) ID() string { return p.id }
func (p *panicJob) Execute(ctx context.Context) error {
	panic("boom")
}

func TestQueue_RecoversFromPanic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	cfg.RetryDelay = time.Millisecond

	var failed int32
	q := New("panic", cfg, Callbacks{
		OnFailed: func(j Job, err error) { atomic.AddInt32(&failed, 1) },
	})
	q.AddJob(&panicJob{id: "p1"})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&failed) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueue_CallbackPanicDoesNotHaltWorker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1

	var secondRan int32
	q := New("cbpanic", cfg, Callbacks{
		OnComplete: func(j Job) {
			if j.ID() == "first" {
				panic("callback boom")
			}
			atomic.AddInt32(&secondRan, 1)
		},
	})

	q.AddJob(&fakeJob{id: "first"})
	q.AddJob(&fakeJob{id: "second"})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&secondRan) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueue_StopWaitsForCompletion(t *testing.T) {
	q := New("stop", DefaultConfig(), Callbacks{})
	started := make(chan struct{})
	release := make(chan struct{})

	q.AddJob(&fakeJob{id: "blocker", executed: func() {
		close(started)
		<-release
	}})

	<-started
	done := make(chan struct{})
	go func() {
		q.Stop(true)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Stop returned before job finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after job finished")
	}
}

func TestQueue_Statistics(t *testing.T) {
	q := New("stats", DefaultConfig(), Callbacks{})
	q.AddJob(&fakeJob{id: "x"})

	require.Eventually(t, func() bool {
		return q.Statistics().TotalProcessed == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats := q.Statistics()
	assert.Equal(t, int64(0), stats.TotalFailed)
}
