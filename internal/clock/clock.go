// Package clock gives the session manager and cleanup loop a seam for
// wall-clock time so tests can control TTL/expiry/reservation-timeout
// behavior without sleeping for real. C1 in the design: Clock & IDs.
package clock

import "time"

// Clock is the minimal surface the rest of the worker needs from wall-clock
// time. The real implementation is time.Now converted to UTC, which carries
// no monotonic reading; tests use a fake that can be advanced
// deterministically.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock, backed by the system clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Fake is a test Clock that only moves when told to.
type Fake struct {
	t time.Time
}

// NewFake returns a Fake clock starting at t.
func NewFake(t time.Time) *Fake { return &Fake{t: t} }

func (f *Fake) Now() time.Time { return f.t }

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) { f.t = f.t.Add(d) }

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) { f.t = t }
