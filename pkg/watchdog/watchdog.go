// Package watchdog implements a resettable liveness timer.
package watchdog

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultTimeout is the liveness window used for the AI leg.
const DefaultTimeout = 30 * time.Second

// Watchdog invokes its callback once when no activity has been observed for
// the armed timeout. Activity re-arms it; Cancel disarms it.
type Watchdog struct {
	clock    clock.Clock
	onExpire func()

	mu      sync.Mutex
	timer   *clock.Timer
	timeout time.Duration
	// seq identifies the current arming; a timer that fires for an older
	// arming is ignored.
	seq   uint64
	armed bool
}

// New returns a disarmed watchdog. A nil clock uses the wall clock.
func New(clk clock.Clock, onExpire func()) *Watchdog {
	if clk == nil {
		clk = clock.New()
	}
	return &Watchdog{clock: clk, onExpire: onExpire}
}

// Arm starts or restarts the timer with the given timeout.
func (w *Watchdog) Arm(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timeout = timeout
	w.startLocked()
}

// Activity re-arms the timer with the current timeout. It is a no-op when
// the watchdog is not armed.
func (w *Watchdog) Activity() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed {
		return
	}
	w.startLocked()
}

// Cancel disarms the watchdog. Safe to call repeatedly.
func (w *Watchdog) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
	w.armed = false
}

// Armed reports whether an expiry is pending.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armed
}

func (w *Watchdog) startLocked() {
	w.stopLocked()
	w.seq++
	seq := w.seq
	w.armed = true
	w.timer = w.clock.AfterFunc(w.timeout, func() { w.fire(seq) })
}

func (w *Watchdog) stopLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watchdog) fire(seq uint64) {
	w.mu.Lock()
	if !w.armed || seq != w.seq {
		w.mu.Unlock()
		return
	}
	w.armed = false
	w.timer = nil
	w.mu.Unlock()

	if w.onExpire != nil {
		w.onExpire()
	}
}
