package system

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/civic-os/reflections/internal/app/core/service"
)

var (
	ErrDuplicateService = errors.New("system: service already registered")
	ErrAlreadyStarted   = errors.New("system: manager already started")
)

// Manager owns the lifecycle of registered services.
type Manager struct {
	mu       sync.Mutex
	services []Service
	names    map[string]struct{}
	started  []Service
	running  bool
}

func NewManager() *Manager {
	return &Manager{names: make(map[string]struct{})}
}

// Register adds svc. Registration is closed once Start has run.
func (m *Manager) Register(svc Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyStarted
	}
	if _, dup := m.names[svc.Name()]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateService, svc.Name())
	}
	m.names[svc.Name()] = struct{}{}
	m.services = append(m.services, svc)
	return nil
}

// Start starts every service in order. If one fails, the ones already
// started are stopped again and the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyStarted
	}
	for _, svc := range m.services {
		if err := svc.Start(ctx); err != nil {
			m.stopStarted(ctx)
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		m.started = append(m.started, svc)
	}
	m.running = true
	return nil
}

// Stop stops started services in reverse order and joins their errors.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return m.stopStarted(ctx)
}

func (m *Manager) stopStarted(ctx context.Context) error {
	var errs []error
	for i := len(m.started) - 1; i >= 0; i-- {
		svc := m.started[i]
		if err := svc.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
		}
	}
	m.started = nil
	return errors.Join(errs...)
}

// Descriptors lists the registered services.
func (m *Manager) Descriptors() []service.Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]service.Descriptor, 0, len(m.services))
	for _, svc := range m.services {
		if d, ok := svc.(Describer); ok {
			out = append(out, d.Descriptor())
			continue
		}
		out = append(out, service.Descriptor{Name: svc.Name(), Layer: service.LayerBackground})
	}
	return out
}
