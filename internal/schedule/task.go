// Package schedule provides cancellable one-shot tasks on an injectable clock.
package schedule

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Task fires a callback after a configurable duration unless stopped.
// It is safe for concurrent use.
type Task struct {
	clk   clock.Clock
	fn    func()
	mu    sync.Mutex
	timer *clock.Timer
	gen   uint64
	armed bool
}

// NewTask creates and starts a task that calls fn after d.
// fn is called in a separate goroutine.
//
// Precondition: clk and fn must not be nil.
// Postcondition: Returns a running Task; fn will be called unless Stop or Reset is called first.
func NewTask(clk clock.Clock, d time.Duration, fn func()) *Task {
	t := &Task{clk: clk, fn: fn}
	t.Reset(d)
	return t
}

// Reset cancels the pending fire and schedules a new one d from now.
//
// Postcondition: fn runs at most once, d after this call, unless stopped or reset again.
func (t *Task) Reset(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	t.armed = true
	gen := t.gen
	t.timer = t.clk.AfterFunc(d, func() { t.fire(gen) })
}

func (t *Task) fire(gen uint64) {
	t.mu.Lock()
	current := gen == t.gen
	if current {
		t.gen++
		t.armed = false
	}
	t.mu.Unlock()
	if current {
		t.fn()
	}
}

// Stop prevents the callback from firing. Safe to call multiple times.
//
// Postcondition: fn will not be called after Stop returns.
func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.armed = false
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Pending reports whether a fire is scheduled.
func (t *Task) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}
