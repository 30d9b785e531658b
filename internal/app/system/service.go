// Package system starts and stops the application's background components.
package system

import (
	"context"

	"github.com/civic-os/reflections/internal/app/core/service"
)

// Service represents a lifecycle-managed component such as the award
// notifier or the live state hub. The manager starts them in registration
// order and stops them in reverse.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Describer is implemented by services that advertise a descriptor.
type Describer interface {
	Descriptor() service.Descriptor
}

// Func adapts a pair of functions to Service.
type Func struct {
	ServiceName string
	Info        service.Descriptor
	OnStart     func(ctx context.Context) error
	OnStop      func(ctx context.Context) error
}

func (f Func) Name() string { return f.ServiceName }

func (f Func) Start(ctx context.Context) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(ctx)
}

func (f Func) Stop(ctx context.Context) error {
	if f.OnStop == nil {
		return nil
	}
	return f.OnStop(ctx)
}

func (f Func) Descriptor() service.Descriptor {
	d := f.Info
	if d.Name == "" {
		d.Name = f.ServiceName
	}
	if d.Layer == "" {
		d.Layer = service.LayerBackground
	}
	return d
}
