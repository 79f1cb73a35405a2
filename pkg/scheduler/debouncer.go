// Package scheduler coalesces bursts of data updates into single notifications.
package scheduler

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultWindow is the quiet window used when none is configured.
const DefaultWindow = 300 * time.Millisecond

var notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dataset_scheduler_notifications_total",
	Help: "Consumer notifications by mode (debounced, flushed)",
}, []string{"mode"})

// Debouncer calls fn once after Trigger stops being called for a full quiet
// window. fn is expected to read the latest state itself, so N triggers in
// one window produce one call that sees the state of the last trigger.
//
// Calls to fn never overlap.
type Debouncer struct {
	window time.Duration
	fn     func()

	mu      sync.Mutex
	timer   *time.Timer
	seq     uint64
	stopped bool

	// held while fn runs
	notify sync.Mutex
}

// NewDebouncer creates a debouncer. A non-positive window uses DefaultWindow.
func NewDebouncer(window time.Duration, fn func()) *Debouncer {
	if fn == nil {
		panic("debounce callback cannot be nil")
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Debouncer{window: window, fn: fn}
}

// Window returns the quiet window.
func (d *Debouncer) Window() time.Duration {
	return d.window
}

// Trigger (re)arms the quiet window.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.timer = time.AfterFunc(d.window, func() {
		d.fire(seq)
	})
}

// Pending reports whether a notification is armed.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Flush cancels any pending fire and calls fn synchronously.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.disarm()
	d.mu.Unlock()

	d.run("flushed")
}

// Stop cancels any pending fire. Later Trigger and Flush calls are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.disarm()
}

// fire runs fn if seq is still the latest armed trigger.
func (d *Debouncer) fire(seq uint64) {
	d.mu.Lock()
	if d.stopped || seq != d.seq || d.timer == nil {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	d.run("debounced")
}

// disarm must be called with mu held.
func (d *Debouncer) disarm() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	// Invalidate a timer that already fired but has not taken mu yet
	d.seq++
}

func (d *Debouncer) run(mode string) {
	d.notify.Lock()
	defer d.notify.Unlock()
	notificationsTotal.WithLabelValues(mode).Inc()
	d.fn()
}
