package event

import "time"

// Clock is the cached millisecond clock of a worker. It only moves when Update
// is called, once per loop iteration, so every handler of one iteration sees
// the same time.
type Clock struct {
	base  time.Time
	msec  int64
	fixed bool
}

func NewClock() *Clock {
	return &Clock{base: time.Now()}
}

// Update refreshes the cached time unless the clock was pinned with Set.
func (c *Clock) Update() {
	if c.fixed {
		return
	}
	c.msec = time.Since(c.base).Milliseconds()
}

func (c *Clock) Msec() int64 {
	return c.msec
}

// Set pins the clock to ms; Update stops moving it.
func (c *Clock) Set(ms int64) {
	c.fixed = true
	c.msec = ms
}

// Advance moves a pinned clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.fixed = true
	c.msec += d.Milliseconds()
}
