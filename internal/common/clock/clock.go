// Package clock provides an injectable time source so lease and retention
// arithmetic can be tested deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock is a time source. Production code uses System; tests use Fake.
type Clock interface {
	// Now returns the current time
	Now() time.Time
}

// System is the real clock
type System struct{}

// Now returns time.Now()
func (System) Now() time.Time {
	return time.Now()
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock starting at the given instant
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake's current instant
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set moves the fake clock to the given instant
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}
