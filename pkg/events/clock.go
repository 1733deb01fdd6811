package events

import "time"

// Clock turns envelope timestamps into complete stamps. Runners may send
// only a wall time, only a monotonic reading, or neither. A missing reading
// is derived from the present one relative to an anchor pair, so wall and
// monotonic durations between two stamps always agree. Envelopes without
// any reading are stamped with the consumer's wall clock.
//
// A Clock is not safe for concurrent use.
type Clock struct {
	now func() time.Time

	anchored   bool
	anchorWall time.Time
	anchorMono time.Duration

	latest Stamp
}

// NewClock creates a clock falling back to now. A nil now means time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}

	return &Clock{now: now}
}

// Reset drops the anchor. The next stamp anchors the clock again; runners
// may restart their monotonic clock between runs.
func (c *Clock) Reset() {
	c.anchored = false
}

// Stamp completes the readings carried by e.
func (c *Clock) Stamp(e *Envelope) Stamp {
	var (
		wall    time.Time
		mono    time.Duration
		hasWall = e.Time != nil
		hasMono = e.Monotonic != nil
	)

	if hasWall {
		wall = *e.Time
	}

	if hasMono {
		mono = time.Duration(*e.Monotonic * float64(time.Millisecond))
	}

	if !hasWall && !hasMono {
		wall, hasWall = c.now(), true
	}

	if !c.anchored {
		c.anchored = true

		switch {
		case hasWall && hasMono:
			c.anchorWall, c.anchorMono = wall, mono
		case hasWall:
			c.anchorWall, c.anchorMono = wall, 0
		default:
			c.anchorWall, c.anchorMono = c.now(), mono
		}
	}

	switch {
	case !hasMono:
		mono = c.anchorMono + wall.Sub(c.anchorWall)
	case !hasWall:
		wall = c.anchorWall.Add(mono - c.anchorMono)
	}

	c.latest = Stamp{Wall: wall, Mono: mono}

	return c.latest
}

// Latest returns the last stamp handed out and whether there was one since
// the clock was created.
func (c *Clock) Latest() (Stamp, bool) {
	return c.latest, !c.latest.Wall.IsZero()
}
