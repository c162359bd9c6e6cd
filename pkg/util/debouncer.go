// Package util provides small reusable helpers shared across the bot.
package util

import (
	"sync"
	"time"
)

// Debouncer resets a timer whenever Reset is called. The voice bridge
// uses it for silence detection: every forwarded audio chunk resets the
// timer, and the timer firing means the speaker has gone quiet. After
// firing it stays quiet until the next Reset, so each silence period
// produces exactly one event.
//
//	silence := util.NewDebouncer(750 * time.Millisecond)
//	defer silence.Stop()
//
//	for {
//	    select {
//	    case pcm := <-audio:
//	        forward(pcm)
//	        silence.Reset()
//	    case <-silence.C():
//	        endOfUtterance()
//	    }
//	}
type Debouncer struct {
	duration time.Duration
	timer    *time.Timer
	mu       sync.Mutex
	stopped  bool
}

// NewDebouncer creates a debouncer whose timer first fires after duration.
func NewDebouncer(duration time.Duration) *Debouncer {
	return &Debouncer{
		duration: duration,
		timer:    time.NewTimer(duration),
	}
}

// Reset re-arms the timer for a full duration. No-op after Stop.
func (d *Debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	// Stop and drain before Reset, per the time.Timer contract.
	if !d.timer.Stop() {
		select {
		case <-d.timer.C:
		default:
		}
	}
	d.timer.Reset(d.duration)
}

// C returns the timer's channel.
func (d *Debouncer) C() <-chan time.Time {
	return d.timer.C
}

// Stop stops the debouncer and prevents further resets. Safe to call
// multiple times.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.stopped {
		d.timer.Stop()
		d.stopped = true
	}
}
