package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/wudi/aigate/internal/config"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Rejection codes returned to callers when the breaker refuses or
// aborts a request.
const (
	CodeOpen     = "CIRCUIT_OPEN"
	CodeHalfOpen = "CIRCUIT_HALF_OPEN"
	CodeTimeout  = "CIRCUIT_TIMEOUT"
)

// Rejection describes why a request was refused.
type Rejection struct {
	Code       string
	RetryAfter time.Duration
}

// Transition records a state change for observers.
type Transition struct {
	From  State
	To    State
	Stats Snapshot
	At    time.Time
}

// TransitionHook is called after every state change, outside the
// breaker lock.
type TransitionHook func(Transition)

// bucket is one slot of the rolling window.
type bucket struct {
	start     time.Time
	successes int64
	failures  int64
}

// Breaker implements the circuit breaker pattern over a rolling window
// of counting buckets. Transition checks and state mutation happen as a
// single unit under the mutex, so two concurrent requests can never
// both decide to open or to run the half-open trial.
type Breaker struct {
	mu       sync.Mutex
	state    State
	gen      uint64 // bumped on every transition; stale outcomes are ignored
	buckets  []bucket
	openedAt time.Time
	trialing bool // half-open trial currently in flight
	forced   bool // pinned by ForceOpen, released by ForceClose/Reset

	window             time.Duration
	bucketWidth        time.Duration
	errorThresholdPct  float64
	minVolume          int64
	resetTimeout       time.Duration
	halfOpenRetryAfter time.Duration

	now          func() time.Time
	onTransition TransitionHook

	// Metrics (atomic for lock-free reads)
	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// NewBreaker creates a breaker from effective (already per-provider
// resolved) settings.
func NewBreaker(cfg config.BreakerConfig) *Breaker {
	window := cfg.WindowDuration
	if window <= 0 {
		window = 60 * time.Second
	}

	numBuckets := cfg.Buckets
	if numBuckets <= 0 {
		numBuckets = 10
	}

	threshold := cfg.ErrorThresholdPercent
	if threshold <= 0 {
		threshold = 50
	}

	minVolume := cfg.MinVolume
	if minVolume <= 0 {
		minVolume = 10
	}

	resetTimeout := cfg.ResetTimeout
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	halfOpenRetryAfter := cfg.HalfOpenRetryAfter
	if halfOpenRetryAfter <= 0 {
		halfOpenRetryAfter = 5 * time.Second
	}

	return &Breaker{
		state:              StateClosed,
		buckets:            make([]bucket, numBuckets),
		window:             window,
		bucketWidth:        window / time.Duration(numBuckets),
		errorThresholdPct:  threshold,
		minVolume:          int64(minVolume),
		resetTimeout:       resetTimeout,
		halfOpenRetryAfter: halfOpenRetryAfter,
		now:                time.Now,
	}
}

// SetTransitionHook installs the state change observer. Must be called
// before the breaker serves traffic.
func (b *Breaker) SetTransitionHook(hook TransitionHook) {
	b.onTransition = hook
}

// ResetTimeout returns the configured open-state cool-down. Timeout
// fallbacks advertise it as their retry hint.
func (b *Breaker) ResetTimeout() time.Duration {
	return b.resetTimeout
}

// Allow decides whether a request may proceed. When admitted it returns
// a done callback that the caller must invoke exactly once with the
// request outcome. When refused it returns a non-nil rejection.
func (b *Breaker) Allow() (done func(success bool), rej *Rejection) {
	b.totalRequests.Add(1)

	b.mu.Lock()
	now := b.now()
	gen, rej, evt := b.allowLocked(now)
	b.mu.Unlock()

	b.fire(evt)

	if rej != nil {
		b.totalRejected.Add(1)
		return nil, rej
	}

	return func(success bool) { b.settle(gen, success) }, nil
}

// allowLocked returns the admission generation and, on refusal, a
// rejection. The generation is read under the same lock as the state
// check so a done callback can never be attributed across a transition.
func (b *Breaker) allowLocked(now time.Time) (uint64, *Rejection, *Transition) {
	switch b.state {
	case StateClosed:
		return b.gen, nil, nil

	case StateOpen:
		if !b.forced && now.Sub(b.openedAt) >= b.resetTimeout {
			evt := b.toHalfOpen(now)
			b.trialing = true
			return b.gen, nil, evt
		}
		return 0, &Rejection{Code: CodeOpen, RetryAfter: b.resetTimeout}, nil

	case StateHalfOpen:
		if !b.trialing {
			b.trialing = true
			return b.gen, nil, nil
		}
		return 0, &Rejection{Code: CodeHalfOpen, RetryAfter: b.halfOpenRetryAfter}, nil
	}

	return 0, &Rejection{Code: CodeOpen, RetryAfter: b.resetTimeout}, nil
}

// settle records the outcome of an admitted request. Outcomes from
// before the last transition only update totals; the window and trial
// settlement belong to the current generation.
func (b *Breaker) settle(gen uint64, success bool) {
	if success {
		b.totalSuccesses.Add(1)
	} else {
		b.totalFailures.Add(1)
	}

	b.mu.Lock()
	now := b.now()
	var evt *Transition
	if gen == b.gen {
		switch b.state {
		case StateClosed:
			bk := b.currentBucket(now)
			if success {
				bk.successes++
			} else {
				bk.failures++
				evt = b.maybeTrip(now)
			}

		case StateHalfOpen:
			// Only the trial request carries the current generation here.
			if success {
				evt = b.toClosed(now)
			} else {
				evt = b.toOpen(now)
			}
		}
	}
	b.mu.Unlock()

	b.fire(evt)
}

// currentBucket returns the live bucket for now, recycling the slot if
// its previous occupant has aged out.
func (b *Breaker) currentBucket(now time.Time) *bucket {
	aligned := now.Truncate(b.bucketWidth)
	idx := int((aligned.UnixNano() / int64(b.bucketWidth)) % int64(len(b.buckets)))
	if idx < 0 {
		idx += len(b.buckets)
	}

	bk := &b.buckets[idx]
	if !bk.start.Equal(aligned) {
		bk.start = aligned
		bk.successes = 0
		bk.failures = 0
	}
	return bk
}

// windowCounts sums the buckets still inside the rolling window.
func (b *Breaker) windowCounts(now time.Time) (successes, failures int64) {
	for i := range b.buckets {
		bk := &b.buckets[i]
		if bk.start.IsZero() || now.Sub(bk.start) >= b.window {
			continue
		}
		successes += bk.successes
		failures += bk.failures
	}
	return successes, failures
}

// maybeTrip opens the breaker when the window holds enough volume and
// the failure rate exceeds the threshold.
func (b *Breaker) maybeTrip(now time.Time) *Transition {
	successes, failures := b.windowCounts(now)
	volume := successes + failures
	if volume < b.minVolume {
		return nil
	}
	if float64(failures)*100 <= float64(volume)*b.errorThresholdPct {
		return nil
	}
	return b.toOpen(now)
}

func (b *Breaker) toOpen(now time.Time) *Transition {
	return b.transition(StateOpen, now, func() {
		b.openedAt = now
		b.trialing = false
	})
}

func (b *Breaker) toHalfOpen(now time.Time) *Transition {
	return b.transition(StateHalfOpen, now, func() {
		b.trialing = false
	})
}

func (b *Breaker) toClosed(now time.Time) *Transition {
	return b.transition(StateClosed, now, func() {
		b.trialing = false
		for i := range b.buckets {
			b.buckets[i] = bucket{}
		}
	})
}

func (b *Breaker) transition(to State, now time.Time, mutate func()) *Transition {
	from := b.state
	b.state = to
	b.gen++
	mutate()

	return &Transition{
		From:  from,
		To:    to,
		Stats: b.snapshotLocked(now),
		At:    now,
	}
}

func (b *Breaker) fire(evt *Transition) {
	if evt != nil && b.onTransition != nil {
		b.onTransition(*evt)
	}
}

// ForceOpen pins the breaker open. A forced-open breaker never probes
// with half-open trials until ForceClose or Reset releases it.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	now := b.now()
	b.forced = true
	var evt *Transition
	if b.state != StateOpen {
		evt = b.toOpen(now)
	}
	b.mu.Unlock()
	b.fire(evt)
}

// ForceClose releases a forced-open pin and closes the breaker. Window
// counts restart; lifetime totals are kept.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	now := b.now()
	b.forced = false
	var evt *Transition
	if b.state != StateClosed {
		evt = b.toClosed(now)
	}
	b.mu.Unlock()
	b.fire(evt)
}

// Reset returns the breaker to a fresh closed state, clearing the
// window and any forced pin.
func (b *Breaker) Reset() {
	b.mu.Lock()
	now := b.now()
	b.forced = false
	var evt *Transition
	if b.state != StateClosed {
		evt = b.toClosed(now)
	} else {
		b.gen++
		b.trialing = false
		for i := range b.buckets {
			b.buckets[i] = bucket{}
		}
	}
	b.mu.Unlock()
	b.fire(evt)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(b.now())
}

func (b *Breaker) snapshotLocked(now time.Time) Snapshot {
	successes, failures := b.windowCounts(now)
	volume := successes + failures

	snap := Snapshot{
		State:           b.state.String(),
		Forced:          b.forced,
		WindowSuccesses: successes,
		WindowFailures:  failures,
		TotalRequests:   b.totalRequests.Load(),
		TotalSuccesses:  b.totalSuccesses.Load(),
		TotalFailures:   b.totalFailures.Load(),
		TotalRejected:   b.totalRejected.Load(),
	}
	if volume > 0 {
		snap.FailureRate = float64(failures) / float64(volume) * 100
	}
	if b.state != StateClosed {
		openedAt := b.openedAt
		snap.OpenedAt = &openedAt
	}
	return snap
}

// Snapshot is a point-in-time view of a circuit breaker
type Snapshot struct {
	Provider        string     `json:"provider,omitempty"`
	State           string     `json:"state"`
	Forced          bool       `json:"forced,omitempty"`
	WindowSuccesses int64      `json:"window_successes"`
	WindowFailures  int64      `json:"window_failures"`
	FailureRate     float64    `json:"failure_rate"`
	TotalRequests   int64      `json:"total_requests"`
	TotalSuccesses  int64      `json:"total_successes"`
	TotalFailures   int64      `json:"total_failures"`
	TotalRejected   int64      `json:"total_rejected"`
	OpenedAt        *time.Time `json:"opened_at,omitempty"`
}
