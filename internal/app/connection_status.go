package app

import (
	"context"
	"sync"

	"github.com/meshrelay/meshrelay/internal/bus"
	"github.com/meshrelay/meshrelay/internal/connectors"
)

// StatusTracker keeps the latest connection snapshot per transport as
// published on the bus.
type StatusTracker struct {
	mu       sync.RWMutex
	statuses map[string]connectors.ConnectionStatus
}

func NewStatusTracker() *StatusTracker {
	return &StatusTracker{statuses: make(map[string]connectors.ConnectionStatus)}
}

// Start follows ConnStatus until ctx ends.
func (s *StatusTracker) Start(ctx context.Context, b bus.MessageBus) <-chan struct{} {
	return bus.Consume(ctx, b, connectors.ConnStatus, s.set)
}

func (s *StatusTracker) set(status connectors.ConnectionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[status.Transport] = status
}

// Status returns the last snapshot for a transport.
func (s *StatusTracker) Status(transport string) (connectors.ConnectionStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[transport]
	return status, ok
}

func (s *StatusTracker) RadioState() connectors.ConnectionState {
	return s.state(connectors.TransportRadio)
}

func (s *StatusTracker) ChatState() connectors.ConnectionState {
	return s.state(connectors.TransportChat)
}

func (s *StatusTracker) state(transport string) connectors.ConnectionState {
	if status, ok := s.Status(transport); ok {
		return status.State
	}

	return connectors.ConnectionStateDisconnected
}
