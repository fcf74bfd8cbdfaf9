package pipeline

import "time"

// Clock stamps frames that arrive without a capture time. Transports of one
// server share a Clock so their frames order against each other.
type Clock struct {
	start time.Time
}

func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

func (c *Clock) Now() time.Duration { return time.Since(c.start) }
