// Package keepalive sends the periodic liveness frame the server requires.
package keepalive

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomlink/internal/schedule"
	"github.com/cory-johannsen/roomlink/protocol"
)

// DefaultInterval is the longest gap the server tolerates between keepalives.
const DefaultInterval = 15 * time.Second

// SendFunc writes an encoded frame.
type SendFunc func(frame []byte) error

// Pulse sends a KeepaliveRequest immediately on Start and then every interval
// while isOpen reports true.
type Pulse struct {
	clk      clock.Clock
	interval time.Duration
	send     SendFunc
	isOpen   func() bool
	logger   *zap.Logger

	mu   sync.Mutex
	task *schedule.Task
}

// New creates a stopped Pulse.
//
// Precondition: clk, send, isOpen and logger must not be nil; interval > 0.
func New(clk clock.Clock, interval time.Duration, send SendFunc, isOpen func() bool, logger *zap.Logger) *Pulse {
	return &Pulse{clk: clk, interval: interval, send: send, isOpen: isOpen, logger: logger}
}

// Start sends the first keepalive and schedules the next. Starting a running
// Pulse restarts it.
func (p *Pulse) Start() {
	p.mu.Lock()
	if p.task != nil {
		p.task.Stop()
	}
	p.task = schedule.NewTask(p.clk, p.interval, p.beat)
	p.mu.Unlock()
	p.emit()
}

// Stop cancels the schedule. Safe to call multiple times.
func (p *Pulse) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.task != nil {
		p.task.Stop()
		p.task = nil
	}
}

func (p *Pulse) beat() {
	if !p.isOpen() {
		p.logger.Debug("keepalive stopping, connection not open")
		return
	}
	p.emit()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.task != nil {
		p.task.Reset(p.interval)
	}
}

func (p *Pulse) emit() {
	frame, err := protocol.Encode(protocol.KeepaliveRequest{}, protocol.NewRID())
	if err != nil {
		p.logger.Error("encoding keepalive", zap.Error(err))
		return
	}
	if err := p.send(frame); err != nil {
		p.logger.Debug("keepalive not sent", zap.Error(err))
	}
}
