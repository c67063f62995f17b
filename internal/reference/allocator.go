// Package reference issues the identifiers that correlate a command with
// its acknowledge.
package reference

import (
	"errors"
	"math"
	"strconv"
	"sync"
)

// Ref identifies one outstanding request. The zero value is invalid.
type Ref uint64

// Invalid is never returned by an Allocator.
const Invalid Ref = 0

// ErrExhausted is returned when every reference in the allocator's range is
// blocked. It means thousands of requests are open at once, which is a
// defect to surface rather than retry.
var ErrExhausted = errors.New("reference space exhausted")

// String formats the reference the way it appears on the wire.
func (r Ref) String() string {
	return strconv.FormatUint(uint64(r), 10)
}

// Parse converts the wire form back into a Ref.
func Parse(s string) (Ref, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return Invalid, err
	}
	return Ref(v), nil
}

// Allocator hands out references that are not currently blocked.
// Search starts after the last issued value and wraps at the top of the range.
type Allocator struct {
	mu      sync.Mutex
	max     Ref
	last    Ref
	blocked map[Ref]struct{}
}

// NewAllocator returns an allocator over the full uint64 range.
func NewAllocator() *Allocator {
	return NewBounded(math.MaxUint64)
}

// NewBounded returns an allocator that only issues values in [1, max].
func NewBounded(max Ref) *Allocator {
	if max == Invalid {
		max = 1
	}
	return &Allocator{
		max:     max,
		blocked: map[Ref]struct{}{Invalid: {}},
	}
}

// Allocate blocks and returns the next free reference.
func (a *Allocator) Allocate() (Ref, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Invalid sits in the blocked set but outside the range.
	if uint64(len(a.blocked)-1) >= uint64(a.max) {
		return Invalid, ErrExhausted
	}

	start := a.last
	candidate := start
	for {
		candidate = a.next(candidate)
		if _, taken := a.blocked[candidate]; !taken {
			a.blocked[candidate] = struct{}{}
			a.last = candidate
			return candidate, nil
		}
		if candidate == start || (start == Invalid && candidate == a.max) {
			return Invalid, ErrExhausted
		}
	}
}

// Release unblocks ref. Releasing Invalid or an unblocked value is a no-op.
func (a *Allocator) Release(ref Ref) {
	if ref == Invalid {
		return
	}
	a.mu.Lock()
	delete(a.blocked, ref)
	a.mu.Unlock()
}

// IsBlocked reports whether ref is currently in use.
func (a *Allocator) IsBlocked(ref Ref) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.blocked[ref]
	return ok
}

// InUse returns the number of blocked references, excluding Invalid.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.blocked) - 1
}

func (a *Allocator) next(r Ref) Ref {
	if r >= a.max {
		return 1
	}
	return r + 1
}
