// Package pending tracks requests that are waiting for an acknowledge and
// fires a callback when one of them outlives its deadline.
package pending

import (
	"errors"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/standardbeagle/procrelay/internal/reference"
)

// NoTimeout disables tracking for a request (fire-and-forget).
const NoTimeout time.Duration = 0

// ErrAlreadyTracked is returned when Track is called twice for one reference.
var ErrAlreadyTracked = errors.New("reference already tracked")

// TimeoutFunc is invoked once when a tracked request expires.
type TimeoutFunc func(ref reference.Ref, typeName string)

// Poster hands fn to the goroutine that owns the tracker. Expiry callbacks
// are always delivered through it so they run on the owner's event loop.
type Poster func(fn func())

// Request is a snapshot of one tracked entry.
type Request struct {
	Ref      reference.Ref
	TypeName string
	Deadline time.Time
}

type entry struct {
	Request
	onTimeout TimeoutFunc
	timer     clock.Timer
}

// Tracker associates references with deadlines.
type Tracker struct {
	mu      sync.Mutex
	clock   clock.WithDelayedExecution
	post    Poster
	entries map[reference.Ref]*entry
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the real clock, mainly for tests.
func WithClock(c clock.WithDelayedExecution) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithPoster routes expiry callbacks through p.
func WithPoster(p Poster) Option {
	return func(t *Tracker) { t.post = p }
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		clock:   clock.RealClock{},
		post:    func(fn func()) { fn() },
		entries: make(map[reference.Ref]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track starts a deadline for ref. A timeout of NoTimeout (or less) skips
// tracking entirely and returns nil.
func (t *Tracker) Track(ref reference.Ref, typeName string, timeout time.Duration, onTimeout TimeoutFunc) error {
	if timeout <= NoTimeout {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[ref]; exists {
		return ErrAlreadyTracked
	}

	e := &entry{
		Request: Request{
			Ref:      ref,
			TypeName: typeName,
			Deadline: t.clock.Now().Add(timeout),
		},
		onTimeout: onTimeout,
	}
	t.entries[ref] = e
	e.timer = t.clock.AfterFunc(timeout, func() {
		t.post(func() { t.expire(e) })
	})
	return nil
}

// Resolve cancels the deadline for ref and reports whether it was tracked.
// false means the acknowledge is spurious, a duplicate, or arrived late.
func (t *Tracker) Resolve(ref reference.Ref) bool {
	t.mu.Lock()
	e, ok := t.entries[ref]
	if ok {
		delete(t.entries, ref)
		e.timer.Stop()
	}
	t.mu.Unlock()
	return ok
}

// CancelAll drops every entry, stopping its timer, and reports each one to fn.
func (t *Tracker) CancelAll(fn func(Request)) {
	t.mu.Lock()
	dropped := make([]Request, 0, len(t.entries))
	for ref, e := range t.entries {
		e.timer.Stop()
		dropped = append(dropped, e.Request)
		delete(t.entries, ref)
	}
	t.mu.Unlock()

	if fn == nil {
		return
	}
	for _, req := range dropped {
		fn(req)
	}
}

// Contains reports whether ref is currently tracked.
func (t *Tracker) Contains(ref reference.Ref) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[ref]
	return ok
}

// Len returns the number of tracked requests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// expire removes e before running its callback, so a late Resolve for the
// same reference returns false and cannot trigger a second resolution.
func (t *Tracker) expire(e *entry) {
	t.mu.Lock()
	cur, ok := t.entries[e.Ref]
	if !ok || cur != e {
		t.mu.Unlock()
		return
	}
	delete(t.entries, e.Ref)
	t.mu.Unlock()

	if e.onTimeout != nil {
		e.onTimeout(e.Ref, e.TypeName)
	}
}
