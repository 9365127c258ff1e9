package lazytime

import "time"

// Timer is a time.Timer that is allocated on first use. Workers keep one
// per loop and Reset it for each wait, so idle components never own a
// runtime timer.
type Timer struct {
	C <-chan time.Time

	timer *time.Timer
}

// Reset re-arms the timer for d, draining any stale fire first. The first
// call allocates the underlying timer.
func (t *Timer) Reset(d time.Duration) {
	if t.timer == nil {
		t.timer = time.NewTimer(d)
		t.C = t.timer.C
		return
	}

	t.Stop()
	t.timer.Reset(d)
}

// Stop stops and drains the timer. It does nothing if the timer was never
// armed.
func (t *Timer) Stop() {
	if t.timer == nil {
		return
	}

	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
}
