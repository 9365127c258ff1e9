// Package lazytime provides timers and tickers that allocate lazily and can
// be re-armed safely, used by the keepalive, discovery and pacing workers.
package lazytime

import "time"

// Ticker is a time.Ticker that is allocated on the first Reset.
type Ticker struct {
	C <-chan time.Time

	ticker *time.Ticker
}

// Reset starts or restarts the ticker with period d.
func (t *Ticker) Reset(d time.Duration) {
	if t.ticker == nil {
		t.ticker = time.NewTicker(d)
		t.C = t.ticker.C
	} else {
		t.ticker.Reset(d)
	}
}

// Stop stops the ticker. It does nothing if the ticker was never started.
func (t *Ticker) Stop() {
	if t.ticker == nil {
		return
	}

	t.ticker.Stop()
}
