// Package gpuarb implements the GPU resource arbitrator (spec C2): it
// serializes heterogeneous GPU workloads under a priority + round-robin
// policy with consecutive-run caps, grounded on the round-robin fairness
// scheduler in the teacher's internal/pipeline/speaker_dispatcher.go
// (getNextWork's "try each queue starting from last served position").
package gpuarb

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Class identifies a kind of GPU-bound workload.
type Class string

const (
	ClassTranscription Class = "transcription"
	ClassTextEmbedding  Class = "text_embedding"
	ClassSummarization  Class = "summarization"
	ClassChatbot        Class = "chatbot"
	ClassVectorReranker Class = "vector_reranker"
)

// nonChatbotClasses is the fixed iteration order used for deterministic
// fallback and for the weighted round-robin draw.
var nonChatbotClasses = []Class{ClassTranscription, ClassTextEmbedding, ClassSummarization, ClassVectorReranker}

// ClassWeight is the tuned, named (not magic-number) share of the
// round-robin draw each non-chatbot class receives, per spec.md §4.2 #2.
const ClassWeight = 20 // percent; equal across the 4 non-chatbot classes

// ConsecutiveCap is the maximum number of back-to-back grants a class may
// receive before the scheduler is forced to pick a different non-chatbot
// class, per spec.md §4.2 #3.
var ConsecutiveCap = map[Class]int{
	ClassTranscription: 2,
	ClassTextEmbedding:  2,
	ClassSummarization:  1,
	ClassVectorReranker: 2,
}

type waiter struct {
	class     Class
	id        string
	meta      map[string]string
	grant     chan struct{}
	mu        sync.Mutex
	cancelled bool
}

// Handle is returned by Acquire; Release must be called exactly once,
// ideally via defer, to guarantee release on every exit path.
type Handle struct {
	arb      *Arbitrator
	class    Class
	released bool
	mu       sync.Mutex
}

// Release gives up the GPU lock. It is safe to call more than once: the
// second call is a documented no-op (spec.md §9 Open Questions), it never
// deadlocks the scheduler.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	h.arb.release(h.class)
}

// Status is a snapshot of arbitrator state for observability.
type Status struct {
	Locked         bool
	CurrentHolder  string
	QueueDepths    map[Class]int
	TotalGrants    map[Class]int64
	Consecutive    int
	LastClass      Class
}

// Arbitrator serializes GPU access across job classes.
type Arbitrator struct {
	mu sync.Mutex

	locked        bool
	currentHolder string
	currentClass  Class

	queues map[Class][]*waiter

	lastServedClass Class
	consecutive     int
	totalGrants     map[Class]int64

	rng    *rand.Rand
	logger *logrus.Entry
}

// New creates an Arbitrator. seed makes the weighted-round-robin draw
// reproducible in tests (spec.md §9 "seedable random source").
func New(seed int64) *Arbitrator {
	queues := make(map[Class][]*waiter)
	for _, c := range append(append([]Class{}, nonChatbotClasses...), ClassChatbot) {
		queues[c] = nil
	}
	return &Arbitrator{
		queues:      queues,
		totalGrants: make(map[Class]int64),
		rng:         rand.New(rand.NewSource(seed)),
		logger:      logrus.WithField("component", "gpu_arbitrator"),
	}
}

// Acquire requests the GPU lock for class c. It suspends until granted or
// ctx is cancelled; a cancelled waiter is removed from its queue without
// deadlocking the scheduler.
func (a *Arbitrator) Acquire(ctx context.Context, c Class, id string, meta map[string]string) (*Handle, error) {
	w := &waiter{class: c, id: id, meta: meta, grant: make(chan struct{}, 1)}

	a.mu.Lock()
	a.queues[c] = append(a.queues[c], w)
	a.logger.WithFields(logrus.Fields{"class": c, "id": id}).Debug("GPU acquire requested")
	a.scheduleLocked()
	a.mu.Unlock()

	select {
	case <-w.grant:
		return &Handle{arb: a, class: c}, nil
	case <-ctx.Done():
		// scheduleLocked may have already granted w (buffered send on
		// w.grant) in the instant ctx was cancelled; select can pick either
		// ready case, so check for that grant before giving up, otherwise
		// the lock it took is never returned to anyone.
		select {
		case <-w.grant:
			a.release(c)
		default:
			a.cancelWaiter(c, w)
		}
		return nil, ctx.Err()
	}
}

func (a *Arbitrator) cancelWaiter(c Class, w *waiter) {
	w.mu.Lock()
	w.cancelled = true
	w.mu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	queue := a.queues[c]
	for i, q := range queue {
		if q == w {
			a.queues[c] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
}

func (a *Arbitrator) release(c Class) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.locked = false
	a.currentHolder = ""
	a.currentClass = ""
	a.scheduleLocked()
}

// scheduleLocked grants the lock to the next eligible waiter, if any, and
// if the lock is currently free. Must be called with a.mu held.
func (a *Arbitrator) scheduleLocked() {
	if a.locked {
		return
	}

	for {
		class, w := a.pickNextLocked()
		if w == nil {
			return
		}

		w.mu.Lock()
		if w.cancelled {
			w.mu.Unlock()
			// Already gave up; drop it and try again.
			a.dequeueLocked(class, w)
			continue
		}
		w.mu.Unlock()

		a.dequeueLocked(class, w)
		a.locked = true
		a.currentHolder = w.id
		a.currentClass = class
		a.totalGrants[class]++

		if class != ClassChatbot {
			if a.lastServedClass == class {
				a.consecutive++
			} else {
				a.consecutive = 1
			}
			a.lastServedClass = class
		}

		a.logger.WithFields(logrus.Fields{"class": class, "id": w.id}).Debug("GPU lock granted")
		w.grant <- struct{}{}
		return
	}
}

func (a *Arbitrator) dequeueLocked(class Class, w *waiter) {
	queue := a.queues[class]
	for i, q := range queue {
		if q == w {
			a.queues[class] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}

// pickNextLocked implements spec.md §4.2's scheduling policy. Must be
// called with a.mu held.
func (a *Arbitrator) pickNextLocked() (Class, *waiter) {
	// 1. Chatbot has absolute priority and no consecutive-run cap.
	if q := a.queues[ClassChatbot]; len(q) > 0 {
		return ClassChatbot, q[0]
	}

	// Candidate classes: all non-chatbot classes with a non-empty queue.
	var candidates []Class
	for _, c := range nonChatbotClasses {
		if len(a.queues[c]) > 0 {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return "", nil
	}

	// 3. Consecutive caps enforced before the weighted draw: if the last
	// served class has hit its cap, exclude it from this round's draw
	// unless it is the only candidate left.
	if cap, ok := ConsecutiveCap[a.lastServedClass]; ok && a.consecutive >= cap && len(candidates) > 1 {
		filtered := candidates[:0:0]
		for _, c := range candidates {
			if c != a.lastServedClass {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}

	// 2. Weighted round-robin among remaining candidates, equal share per
	// class (ClassWeight). Deterministic via the seeded rng.
	chosen := candidates[a.rng.Intn(len(candidates))]
	return chosen, a.queues[chosen][0]
}

// Status returns a snapshot for observability.
func (a *Arbitrator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	depths := make(map[Class]int, len(a.queues))
	classes := make([]string, 0, len(a.queues))
	for c := range a.queues {
		classes = append(classes, string(c))
	}
	sort.Strings(classes)
	for _, cs := range classes {
		c := Class(cs)
		depths[c] = len(a.queues[c])
	}

	grants := make(map[Class]int64, len(a.totalGrants))
	for c, n := range a.totalGrants {
		grants[c] = n
	}

	return Status{
		Locked:        a.locked,
		CurrentHolder: a.currentHolder,
		QueueDepths:   depths,
		TotalGrants:   grants,
		Consecutive:   a.consecutive,
		LastClass:     a.lastServedClass,
	}
}

// WithGPU is a convenience helper matching spec.md §9's "scoped acquisition"
// idiom: it acquires class c, invokes fn, and guarantees release even if fn
// panics or errors.
func WithGPU(ctx context.Context, a *Arbitrator, c Class, id string, fn func(ctx context.Context) error) (err error) {
	h, acqErr := a.Acquire(ctx, c, id, nil)
	if acqErr != nil {
		return fmt.Errorf("acquire GPU for %s: %w", c, acqErr)
	}
	defer h.Release()
	return fn(ctx)
}
