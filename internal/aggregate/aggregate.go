// Package aggregate collects up to N matching events within an idle window.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomlink/internal/schedule"
	"github.com/cory-johannsen/roomlink/protocol"
)

var (
	// ErrEventNotEnabled is returned when awaiting a class the connection does not subscribe to.
	ErrEventNotEnabled = errors.New("event class not enabled")
	// ErrInvalidArgument is returned for a non-positive max or idle window.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Filter selects events to collect. A nil Filter accepts everything.
type Filter func(protocol.Event) bool

// Aggregator routes events to active collectors.
// All methods are safe for concurrent use.
type Aggregator struct {
	clk     clock.Clock
	logger  *zap.Logger
	enabled map[protocol.EventClass]bool

	mu   sync.Mutex
	subs map[string]*Collector
	seq  uint64
}

// New creates an Aggregator that accepts subscriptions for enabled classes only.
//
// Precondition: clk and logger must not be nil.
func New(enabled []protocol.EventClass, clk clock.Clock, logger *zap.Logger) *Aggregator {
	set := make(map[protocol.EventClass]bool, len(enabled))
	for _, c := range enabled {
		set[c] = true
	}
	return &Aggregator{clk: clk, logger: logger, enabled: set, subs: make(map[string]*Collector)}
}

// Collector is one active await.
type Collector struct {
	ID    string
	Class protocol.EventClass

	a      *Aggregator
	filter Filter
	max    int
	idle   time.Duration
	seq    uint64
	done   chan struct{}

	mu       sync.Mutex
	items    []protocol.Event
	seen     map[string]bool
	task     *schedule.Task
	finished bool
}

// Subscribe registers a collector for class.
//
// Precondition: max >= 1; idle > 0; class must be enabled.
// Postcondition: The collector finishes when max events are collected or
// idle elapses with no new collected event, whichever is first.
func (a *Aggregator) Subscribe(class protocol.EventClass, filter Filter, max int, idle time.Duration) (*Collector, error) {
	if !a.enabled[class] {
		return nil, fmt.Errorf("%w: %s", ErrEventNotEnabled, class)
	}
	if max < 1 {
		return nil, fmt.Errorf("%w: max must be at least 1, got %d", ErrInvalidArgument, max)
	}
	if idle <= 0 {
		return nil, fmt.Errorf("%w: idle must be positive, got %s", ErrInvalidArgument, idle)
	}
	if filter == nil {
		filter = func(protocol.Event) bool { return true }
	}

	c := &Collector{
		ID:     uuid.NewString(),
		Class:  class,
		a:      a,
		filter: filter,
		max:    max,
		idle:   idle,
		done:   make(chan struct{}),
		seen:   make(map[string]bool),
	}
	// the task must exist before Offer can see the collector
	c.mu.Lock()
	c.task = schedule.NewTask(a.clk, idle, c.finish)
	c.mu.Unlock()

	a.mu.Lock()
	a.seq++
	c.seq = a.seq
	c.mu.Lock()
	if !c.finished {
		a.subs[c.ID] = c
	}
	c.mu.Unlock()
	a.mu.Unlock()
	return c, nil
}

// Await subscribes and waits for the result.
func (a *Aggregator) Await(ctx context.Context, class protocol.EventClass, filter Filter, max int, idle time.Duration) ([]protocol.Event, error) {
	c, err := a.Subscribe(class, filter, max, idle)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx)
}

// Offer hands ev to every collector of its class, oldest first.
func (a *Aggregator) Offer(ev protocol.Event) {
	class, ok := ev.Kind().Class()
	if !ok {
		return
	}
	a.mu.Lock()
	targets := make([]*Collector, 0, len(a.subs))
	for _, c := range a.subs {
		if c.Class == class {
			targets = append(targets, c)
		}
	}
	a.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].seq < targets[j].seq })

	for _, c := range targets {
		c.offer(ev)
	}
}

// Len returns the number of active collectors.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subs)
}

func (a *Aggregator) remove(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subs, id)
}

func (c *Collector) offer(ev protocol.Event) {
	if !c.matches(ev) {
		return
	}
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	if key := dedupKey(ev); key != "" {
		if c.seen[key] {
			c.mu.Unlock()
			return
		}
		c.seen[key] = true
	}
	c.items = append(c.items, ev)
	full := len(c.items) >= c.max
	if !full {
		c.task.Reset(c.idle)
	}
	c.mu.Unlock()
	if full {
		c.finish()
	}
}

func (c *Collector) matches(ev protocol.Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.a.logger.Error("await filter panicked",
				zap.String("collector", c.ID),
				zap.Any("panic", r),
			)
			ok = false
		}
	}()
	return c.filter(ev)
}

func (c *Collector) finish() {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	task := c.task
	c.mu.Unlock()
	if task != nil {
		task.Stop()
	}
	c.a.remove(c.ID)
	close(c.done)
}

// Wait blocks until the collector finishes and returns what it collected.
// Cancelling ctx finishes the collector early and returns ctx.Err() with the
// events collected so far.
func (c *Collector) Wait(ctx context.Context) ([]protocol.Event, error) {
	var err error
	select {
	case <-c.done:
	case <-ctx.Done():
		c.finish()
		err = ctx.Err()
	}
	return c.Items(), err
}

// Done is closed once the collector finishes.
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

// Items returns a copy of the events collected so far.
func (c *Collector) Items() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Event, len(c.items))
	copy(out, c.items)
	return out
}

// dedupKey returns the identity an event is deduplicated by, or "" for none.
func dedupKey(ev protocol.Event) string {
	switch e := ev.(type) {
	case protocol.Chat:
		return e.User.ID
	case protocol.DirectMessage:
		return e.UserID
	case protocol.Reaction:
		return e.Sender.ID
	case protocol.Emote:
		return e.Sender.ID
	}
	return ""
}
