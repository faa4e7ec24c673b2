package clock

import "time"

// FakeClock is a Clock pinned to an explicit instant so tests can
// assert on the timestamps services write.
type FakeClock struct {
	now time.Time
}

// NewFakeClock returns a clock frozen at t, normalized to UTC to
// match what SystemClock hands out.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

func (c *FakeClock) Now() time.Time {
	return c.now
}

// Advance moves the frozen instant forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
