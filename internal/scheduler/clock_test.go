package scheduler

import (
	"sync"
	"time"
)

// fakeClock is a controllable clock for loop and decision tests. Advance
// moves the current time and fires every timer handed out so far; the loop
// tests use that to step cycles deterministically.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []chan time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.timers = append(c.timers, ch)
	c.mu.Unlock()
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	timers := c.timers
	c.timers = nil
	now := c.now
	c.mu.Unlock()
	for _, ch := range timers {
		ch <- now
	}
}

// pendingTimers reports how many unfired After channels exist, so tests can
// wait for the loop to park before advancing.
func (c *fakeClock) pendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}
