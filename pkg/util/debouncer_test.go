package util

import (
	"testing"
	"time"
)

func TestDebouncerFiresAfterDuration(t *testing.T) {
	d := NewDebouncer(50 * time.Millisecond)
	defer d.Stop()

	select {
	case <-d.C():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("debouncer did not fire")
	}
}

func TestDebouncerResetDefersFiring(t *testing.T) {
	d := NewDebouncer(60 * time.Millisecond)
	defer d.Stop()

	// Reset faster than the duration for a while; the timer must stay
	// quiet the whole time.
	deadline := time.After(150 * time.Millisecond)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-d.C():
			t.Fatal("debouncer fired while being reset")
		case <-ticker.C:
			d.Reset()
		case <-deadline:
			// Resets over; now it should fire once.
			select {
			case <-d.C():
				return
			case <-time.After(200 * time.Millisecond):
				t.Fatal("debouncer did not fire after resets stopped")
			}
		}
	}
}

func TestDebouncerStop(t *testing.T) {
	d := NewDebouncer(50 * time.Millisecond)
	d.Stop()

	// Reset after Stop must not re-arm the timer.
	d.Reset()

	select {
	case <-d.C():
		t.Fatal("debouncer fired after stop")
	case <-time.After(120 * time.Millisecond):
	}

	// Repeated stops must not panic.
	d.Stop()
	d.Stop()
}
