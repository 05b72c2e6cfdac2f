package clock

import "sync"

// Replay returns a recorded sequence of readings in order. Once the sequence
// is consumed it keeps returning the last reading and reports Exhausted.
type Replay struct {
	mu        sync.Mutex
	readings  []Timestamp
	next      int
	exhausted bool
}

// NewReplay creates a replay clock over readings.
func NewReplay(readings ...Timestamp) *Replay {
	r := make([]Timestamp, len(readings))
	copy(r, readings)
	return &Replay{readings: r}
}

func (c *Replay) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.readings) == 0 {
		c.exhausted = true
		return Timestamp{}
	}
	if c.next >= len(c.readings) {
		c.exhausted = true
		return c.readings[len(c.readings)-1]
	}
	t := c.readings[c.next]
	c.next++
	return t
}

// Exhausted reports whether Now was called more times than readings exist.
func (c *Replay) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

// Remaining is the number of readings not yet returned.
func (c *Replay) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.readings) - c.next
}

// Recorder wraps a clock and keeps every reading it hands out, so that a
// live execution can later be replayed exactly.
type Recorder struct {
	mu       sync.Mutex
	inner    Clock
	readings []Timestamp
}

// NewRecorder wraps inner.
func NewRecorder(inner Clock) *Recorder {
	return &Recorder{inner: inner}
}

func (c *Recorder) Now() Timestamp {
	t := c.inner.Now()
	c.mu.Lock()
	c.readings = append(c.readings, t)
	c.mu.Unlock()
	return t
}

// Readings returns a copy of the readings taken so far.
func (c *Recorder) Readings() []Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Timestamp, len(c.readings))
	copy(out, c.readings)
	return out
}

// Replay returns a replay clock over the recorded readings.
func (c *Recorder) Replay() *Replay {
	return NewReplay(c.Readings()...)
}
