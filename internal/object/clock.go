package object

// logicalClock is the actor's monotonic mutation counter.
//
// Every mutation is stamped with a strictly increasing value from this
// clock; a record's version and its change event's sequence share the
// stamp. No atomics: the clock is only touched inside the actor's
// single-threaded run loop.
type logicalClock struct {
	seq int64
}

// newLogicalClockAt creates a clock resuming from a known position, so
// sequences never regress across restarts.
func newLogicalClockAt(start int64) *logicalClock {
	return &logicalClock{seq: start}
}

// Next returns the next sequence number and advances the clock.
func (c *logicalClock) Next() int64 {
	c.seq++
	return c.seq
}

// Current returns the current sequence number without advancing.
func (c *logicalClock) Current() int64 {
	return c.seq
}
