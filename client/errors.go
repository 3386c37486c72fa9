package client

import (
	"errors"

	"github.com/cory-johannsen/roomlink/internal/aggregate"
	"github.com/cory-johannsen/roomlink/internal/connection"
	"github.com/cory-johannsen/roomlink/internal/correlator"
	"github.com/cory-johannsen/roomlink/internal/transport"
	"github.com/cory-johannsen/roomlink/protocol"
)

// Errors returned by the client. Check them with errors.Is.
var (
	ErrInvalidCredential = transport.ErrInvalidCredential
	ErrInvalidRoom       = transport.ErrInvalidRoom
	ErrNotConnected      = transport.ErrNotConnected
	ErrRequestTimedOut   = correlator.ErrRequestTimedOut
	ErrConnectionLost    = correlator.ErrConnectionLost
	ErrEventNotEnabled   = aggregate.ErrEventNotEnabled
	ErrInvalidArgument   = aggregate.ErrInvalidArgument
	ErrClosed            = connection.ErrClosed
	ErrAlreadyStarted    = connection.ErrAlreadyStarted
	ErrServer            = protocol.ErrServer
	ErrInvalidEventClass = protocol.ErrUnknownEventClass
	ErrMissingEvents     = errors.New("at least one event class is required")
	ErrAccessDenied      = errors.New("action not allowed on self")
	ErrCacheDisabled     = errors.New("room cache is disabled")
)
