package client

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cory-johannsen/roomlink/internal/transport"
	"github.com/cory-johannsen/roomlink/protocol"
)

// Default option values.
const (
	DefaultEndpoint       = transport.DefaultEndpoint
	DefaultRequestTimeout = 10 * time.Second
)

// Options configure a Client. Zero durations take their defaults.
type Options struct {
	// Events lists the classes the server should deliver. Required.
	Events []protocol.EventClass
	// Cache keeps a roster of room occupants.
	Cache             bool
	Endpoint          string
	RequestTimeout    time.Duration
	KeepaliveInterval time.Duration
	ReconnectDelay    time.Duration
	ReconnectStep     time.Duration
	DialTimeout       time.Duration
}

// Validate checks the event list.
func (o Options) Validate() error {
	if len(o.Events) == 0 {
		return ErrMissingEvents
	}
	for _, c := range o.Events {
		if !c.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidEventClass, c)
		}
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.Endpoint == "" {
		o.Endpoint = DefaultEndpoint
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	return o
}

// Option customizes a Client beyond Options.
type Option func(*Client)

// WithClock replaces the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clk = clk }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}
