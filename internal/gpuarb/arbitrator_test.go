package gpuarb

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArbitrator_AtMostOneHolderAtATime(t *testing.T) {
	arb := New(1)

	var concurrent int32
	var maxConcurrent int32
	var wg sync.WaitGroup

	run := func(class Class, id string) {
		defer wg.Done()
		h, err := arb.Acquire(context.Background(), class, id, nil)
		require.NoError(t, err)
		n := atomic.AddInt32(&concurrent, 1)
		for {
			cur := atomic.LoadInt32(&maxConcurrent)
			if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		h.Release()
	}

	for i := 0; i < 20; i++ {
		wg.Add(1)
		class := nonChatbotClasses[i%len(nonChatbotClasses)]
		go run(class, "job")
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxConcurrent))
}

func TestArbitrator_ConsecutiveCapEnforced(t *testing.T) {
	arb := New(7)

	// Flood the summarization queue (cap 1) alongside transcription (cap 2)
	// so the scheduler is forced to interleave rather than starve either.
	var grants []Class
	var mu sync.Mutex
	var wg sync.WaitGroup

	acquireRelease := func(class Class) {
		defer wg.Done()
		h, err := arb.Acquire(context.Background(), class, "j", nil)
		require.NoError(t, err)
		mu.Lock()
		grants = append(grants, class)
		mu.Unlock()
		h.Release()
	}

	for i := 0; i < 6; i++ {
		wg.Add(1)
		go acquireRelease(ClassSummarization)
	}
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go acquireRelease(ClassTranscription)
	}
	wg.Wait()

	require.Len(t, grants, 12)

	run := 1
	for i := 1; i < len(grants); i++ {
		if grants[i] == grants[i-1] {
			run++
		} else {
			run = 1
		}
		cap := ConsecutiveCap[grants[i]]
		assert.LessOrEqualf(t, run, cap, "class %s exceeded its consecutive cap at index %d: %v", grants[i], i, grants)
	}
}

func TestArbitrator_ChatbotHasAbsolutePriorityAndNoCap(t *testing.T) {
	arb := New(3)

	// Hold the lock with a background class first so chatbot requests queue
	// up behind it, then release and verify chatbot jumps the non-chatbot
	// backlog.
	first, err := arb.Acquire(context.Background(), ClassTranscription, "warm", nil)
	require.NoError(t, err)

	done := make(chan Class, 10)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := arb.Acquire(context.Background(), ClassTranscription, "bg", nil)
			require.NoError(t, err)
			done <- ClassTranscription
			h.Release()
		}()
	}
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := arb.Acquire(context.Background(), ClassChatbot, "chat", nil)
			require.NoError(t, err)
			done <- ClassChatbot
			h.Release()
		}()
	}

	// Give every goroutine time to enqueue before releasing the warm holder.
	require.Eventually(t, func() bool {
		return arb.Status().QueueDepths[ClassTranscription]+arb.Status().QueueDepths[ClassChatbot] == 8
	}, time.Second, time.Millisecond)

	first.Release()
	wg.Wait()
	close(done)

	var order []Class
	for c := range done {
		order = append(order, c)
	}

	for i := 0; i < 3; i++ {
		assert.Equalf(t, ClassChatbot, order[i], "chatbot should be served before the transcription backlog, got order %v", order)
	}
}

func TestArbitrator_CancelledWaiterDoesNotDeadlockScheduler(t *testing.T) {
	arb := New(9)

	holder, err := arb.Acquire(context.Background(), ClassTranscription, "holder", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	waitDone := make(chan error, 1)
	go func() {
		_, err := arb.Acquire(ctx, ClassTextEmbedding, "cancelled", nil)
		waitDone <- err
	}()

	require.Eventually(t, func() bool {
		return arb.Status().QueueDepths[ClassTextEmbedding] == 1
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-waitDone:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire never returned")
	}

	holder.Release()

	h2, err := arb.Acquire(context.Background(), ClassTranscription, "next", nil)
	require.NoError(t, err)
	h2.Release()
}

func TestArbitrator_StatusReflectsHolderAndQueueDepths(t *testing.T) {
	arb := New(2)

	assert.False(t, arb.Status().Locked)

	h, err := arb.Acquire(context.Background(), ClassVectorReranker, "holder1", nil)
	require.NoError(t, err)

	status := arb.Status()
	assert.True(t, status.Locked)
	assert.Equal(t, "holder1", status.CurrentHolder)
	assert.Equal(t, int64(1), status.TotalGrants[ClassVectorReranker])

	h.Release()
	assert.False(t, arb.Status().Locked)
}

func TestArbitrator_DoubleReleaseIsNoOp(t *testing.T) {
	arb := New(4)
	h, err := arb.Acquire(context.Background(), ClassSummarization, "j", nil)
	require.NoError(t, err)

	h.Release()
	assert.NotPanics(t, func() { h.Release() })
	assert.False(t, arb.Status().Locked)
}

func TestWithGPU_ReleasesOnPanicAndError(t *testing.T) {
	arb := New(5)

	assert.Panics(t, func() {
		_ = WithGPU(context.Background(), arb, ClassTranscription, "p", func(ctx context.Context) error {
			panic("boom")
		})
	})
	assert.False(t, arb.Status().Locked)

	err := WithGPU(context.Background(), arb, ClassTranscription, "e", func(ctx context.Context) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, arb.Status().Locked)
}
