package turn

import (
	"sync"
	"time"
)

// Debouncer runs fn once after window has elapsed since the most recent
// Reset. Each Reset or Stop invalidates any earlier schedule, so a timer
// that was already firing when it was superseded does nothing.
type Debouncer struct {
	window time.Duration
	fn     func()

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// NewDebouncer creates a debouncer that calls fn after window of quiet
func NewDebouncer(window time.Duration, fn func()) *Debouncer {
	return &Debouncer{window: window, fn: fn}
}

// Reset schedules fn, replacing any pending schedule
func (d *Debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.window, func() { d.fire(gen) })
}

// Stop cancels the pending schedule. It reports whether one was pending.
func (d *Debouncer) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer == nil {
		return false
	}
	d.timer.Stop()
	d.timer = nil
	d.gen++
	return true
}

// Pending reports whether fn is scheduled
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Window returns the configured quiet period
func (d *Debouncer) Window() time.Duration {
	return d.window
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	// fn runs without d.mu held so it may call back into the debouncer
	d.fn()
}
