package buildengine

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one progress update. Updates from Advance are throttled to the
// tracker's interval; Complete always emits (spec §5: "a tree of
// allocations summing to 100%... updated lock-free, with a throttled
// emitter").
type Event struct {
	BuildID  string // identifies which build this update belongs to
	Step     string
	Fraction float64 // this step's own completion, [0,1]
	Overall  float64 // whole-build completion, [0,1]
	Message  string
}

// allocation is one named step's share of the overall build, tracked with
// atomics so concurrent steps can advance their own share without taking a
// lock.
type allocation struct {
	weight int64
	done   atomic.Int64 // 0..weight
}

// Tracker sums per-step allocations into an overall fraction and forwards
// updates to onUpdate, dropping Advance updates that arrive faster than
// minInterval so a tight per-byte progress loop doesn't flood the caller.
// Complete updates are never dropped.
type Tracker struct {
	mu          sync.Mutex
	buildID     string
	allocations map[string]*allocation
	totalWeight int64
	onUpdate    func(Event)
	minInterval time.Duration
	lastEmit    time.Time
}

// NewTracker constructs a Tracker for one build. onUpdate may be nil, in
// which case all progress updates are silently dropped (the engine still
// runs identically; progress reporting is observability, not control flow).
func NewTracker(buildID string, onUpdate func(Event), minInterval time.Duration) *Tracker {
	if minInterval <= 0 {
		minInterval = 100 * time.Millisecond
	}
	return &Tracker{
		buildID:     buildID,
		allocations: make(map[string]*allocation),
		onUpdate:    onUpdate,
		minInterval: minInterval,
	}
}

// Allocate registers step with the given weight (arbitrary units; only
// relative weight across steps matters). Call before the build starts
// scheduling steps — Allocate itself is not safe to race with Advance on
// the total-weight computation.
func (t *Tracker) Allocate(step string, weight int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allocations[step] = &allocation{weight: weight}
	t.totalWeight += weight
}

// Advance adds delta (capped at the step's registered weight) to step's
// completed amount and emits a throttled Event.
func (t *Tracker) Advance(step string, delta int64, message string) {
	t.mu.Lock()
	a, ok := t.allocations[step]
	t.mu.Unlock()
	if !ok {
		return
	}
	for {
		cur := a.done.Load()
		next := cur + delta
		if next > a.weight {
			next = a.weight
		}
		if a.done.CompareAndSwap(cur, next) {
			break
		}
	}
	t.maybeEmit(step, message)
}

// Complete marks step as fully done, useful for steps whose own internal
// progress isn't tracked byte-by-byte.
func (t *Tracker) Complete(step, message string) {
	t.mu.Lock()
	a, ok := t.allocations[step]
	t.mu.Unlock()
	if !ok {
		return
	}
	a.done.Store(a.weight)
	t.emit(step, message)
}

func (t *Tracker) maybeEmit(step, message string) {
	t.mu.Lock()
	due := time.Since(t.lastEmit) >= t.minInterval
	if due {
		t.lastEmit = time.Now()
	}
	t.mu.Unlock()
	if due {
		t.emit(step, message)
	}
}

func (t *Tracker) emit(step, message string) {
	if t.onUpdate == nil {
		return
	}
	t.mu.Lock()
	var doneSum, totalSum int64
	var stepFraction float64
	for name, a := range t.allocations {
		d := a.done.Load()
		doneSum += d
		totalSum += a.weight
		if name == step && a.weight > 0 {
			stepFraction = float64(d) / float64(a.weight)
		}
	}
	t.mu.Unlock()

	overall := 0.0
	if totalSum > 0 {
		overall = float64(doneSum) / float64(totalSum)
	}
	t.onUpdate(Event{BuildID: t.buildID, Step: step, Fraction: stepFraction, Overall: overall, Message: message})
}
