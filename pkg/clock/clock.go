// Package clock supplies the kernel's injectable time source.
//
// Production code uses Real, a monotonic counter anchored at construction.
// Tests and replays use Manual (explicitly advanced) or Replay (a recorded
// sequence of readings), so that two executions with identical inputs and an
// identical clock record identical durations.
package clock

import (
	"sync"
	"time"
)

// Timestamp is one clock reading.
//
// Mono is nanoseconds since the clock's origin and is the only field used for
// duration arithmetic. Wall is Unix nanoseconds, recorded so that receipts
// from different sessions can be loosely compared; it is not a total order.
type Timestamp struct {
	Mono int64 `json:"mono" cbor:"1,keyasint"`
	Wall int64 `json:"wall" cbor:"2,keyasint"`
}

// Sub returns t - u in monotonic time.
func (t Timestamp) Sub(u Timestamp) time.Duration {
	return time.Duration(t.Mono - u.Mono)
}

// Time returns the wall component as a time.Time.
func (t Timestamp) Time() time.Time {
	return time.Unix(0, t.Wall).UTC()
}

// Clock is the kernel time source.
type Clock interface {
	Now() Timestamp
}

// Real is a monotonic clock backed by the runtime's monotonic reading.
type Real struct {
	origin time.Time
}

// NewReal starts a real clock at the current instant.
func NewReal() *Real {
	return &Real{origin: time.Now()}
}

func (c *Real) Now() Timestamp {
	now := time.Now()
	return Timestamp{
		Mono: int64(now.Sub(c.origin)),
		Wall: now.UnixNano(),
	}
}

// Manual is a deterministic clock that only moves when told to.
// Safe for concurrent use.
type Manual struct {
	mu   sync.Mutex
	now  Timestamp
	step time.Duration
}

// NewManual returns a manual clock reading start, with wall time anchored at
// wall. Each Now call advances by step after reading (zero keeps time still).
func NewManual(wall time.Time, step time.Duration) *Manual {
	return &Manual{
		now:  Timestamp{Mono: 0, Wall: wall.UnixNano()},
		step: step,
	}
}

func (c *Manual) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.advance(c.step)
	return t
}

// Advance moves the clock forward by d. Negative durations are ignored.
func (c *Manual) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance(d)
}

// SetStep changes the automatic per-reading advance.
func (c *Manual) SetStep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = d
}

func (c *Manual) advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.now.Mono += int64(d)
	c.now.Wall += int64(d)
}
