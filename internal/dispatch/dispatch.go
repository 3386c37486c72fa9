// Package dispatch decodes inbound frames and fans the resulting events out
// to the correlator, session and roster hooks, public subscribers and awaits.
package dispatch

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomlink/protocol"
)

// Handler receives a public event.
type Handler func(protocol.Event)

// Handle identifies a subscription.
type Handle string

// Resolver settles correlated requests.
type Resolver interface {
	Resolve(protocol.Frame) bool
}

// Offerer receives every public event for aggregation.
type Offerer interface {
	Offer(protocol.Event)
}

// Hooks are internal state updates run for each event before aggregation.
type Hooks struct {
	// OnReady runs before subscribers see the ready event.
	OnReady func(protocol.Ready)
	// OnEvent runs after subscribers, for roster maintenance.
	OnEvent func(protocol.Event)
}

type subscription struct {
	handle  Handle
	kind    protocol.EventKind
	seq     uint64
	handler Handler
	sink    *Sink
}

// Dispatcher routes frames. Dispatch must be called from a single goroutine
// so events are observed in arrival order; the other methods are safe for
// concurrent use.
type Dispatcher struct {
	resolver   Resolver
	aggregator Offerer
	hooks      Hooks
	logger     *zap.Logger

	mu   sync.RWMutex
	subs map[Handle]*subscription
	seq  uint64
}

// New creates a Dispatcher.
//
// Precondition: resolver, aggregator and logger must not be nil.
func New(resolver Resolver, aggregator Offerer, hooks Hooks, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		resolver:   resolver,
		aggregator: aggregator,
		hooks:      hooks,
		logger:     logger,
		subs:       make(map[Handle]*subscription),
	}
}

// Dispatch processes one raw frame. It never panics and never returns an
// error: undecodable and unknown frames are logged and dropped.
func (d *Dispatcher) Dispatch(raw []byte) {
	f, err := protocol.Decode(raw)
	if err != nil {
		d.logger.Warn("dropping undecodable frame", zap.Error(err), zap.Int("bytes", len(raw)))
		return
	}
	if f.RID != "" && d.resolver.Resolve(f) {
		// a server error that failed a request is still public
		if f.Type == protocol.TypeError {
			if ev, err := protocol.Normalize(f); err == nil {
				d.Emit(ev)
			}
		}
		return
	}
	if f.Type == protocol.TypeKeepaliveResponse {
		return
	}
	ev, err := protocol.Normalize(f)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownKind) && f.IsResponse() {
			d.logger.Debug("dropping unmatched response", zap.String("type", f.Type), zap.String("rid", f.RID))
			return
		}
		d.logger.Warn("dropping frame", zap.String("type", f.Type), zap.Error(err))
		return
	}

	if ready, ok := ev.(protocol.Ready); ok && d.hooks.OnReady != nil {
		d.guard("ready hook", func() { d.hooks.OnReady(ready) })
	}
	d.Emit(ev)
	if d.hooks.OnEvent != nil {
		d.guard("event hook", func() { d.hooks.OnEvent(ev) })
	}
	d.guard("aggregator", func() { d.aggregator.Offer(ev) })
}

// Emit delivers ev to subscribers of its kind in registration order.
func (d *Dispatcher) Emit(ev protocol.Event) {
	kind := ev.Kind()
	d.mu.RLock()
	targets := make([]*subscription, 0, len(d.subs))
	for _, s := range d.subs {
		if s.kind == kind {
			targets = append(targets, s)
		}
	}
	d.mu.RUnlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].seq < targets[j].seq })

	for _, s := range targets {
		if s.sink != nil {
			if err := s.sink.Push(ev); err != nil {
				d.logger.Warn("dropping event", zap.String("kind", string(kind)), zap.Error(err))
			}
			continue
		}
		d.guard("handler "+string(s.handle), func() { s.handler(ev) })
	}
}

// Subscribe registers fn for events of kind.
//
// Postcondition: Returns a Handle that removes the subscription via Unsubscribe.
func (d *Dispatcher) Subscribe(kind protocol.EventKind, fn Handler) Handle {
	return d.add(&subscription{kind: kind, handler: fn})
}

// SubscribeChan registers a buffered channel for events of kind. Events
// that do not fit are dropped with a warning. Unsubscribe closes the channel.
func (d *Dispatcher) SubscribeChan(kind protocol.EventKind, buf int) (Handle, <-chan protocol.Event) {
	sink := NewSink(string(kind), buf)
	h := d.add(&subscription{kind: kind, sink: sink})
	return h, sink.Events()
}

func (d *Dispatcher) add(s *subscription) Handle {
	s.handle = Handle(uuid.NewString())
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	s.seq = d.seq
	d.subs[s.handle] = s
	return s.handle
}

// Unsubscribe removes a subscription.
//
// Postcondition: Returns false if h was not registered.
func (d *Dispatcher) Unsubscribe(h Handle) bool {
	d.mu.Lock()
	s, ok := d.subs[h]
	delete(d.subs, h)
	d.mu.Unlock()
	if ok && s.sink != nil {
		_ = s.sink.Close()
	}
	return ok
}

// UnsubscribeAll removes every subscription.
func (d *Dispatcher) UnsubscribeAll() int {
	d.mu.Lock()
	subs := d.subs
	d.subs = make(map[Handle]*subscription)
	d.mu.Unlock()
	for _, s := range subs {
		if s.sink != nil {
			_ = s.sink.Close()
		}
	}
	return len(subs)
}

// Len returns the number of subscriptions.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

func (d *Dispatcher) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("recovered panic in dispatch", zap.String("in", what), zap.Any("panic", r))
		}
	}()
	fn()
}
