// Package channels implements the outbound delivery side of the dispatcher:
// a registry of provider adapters keyed by channel type, selected per
// envelope.Outbound.Source at delivery time.
package channels

import (
	"context"
	"time"

	"github.com/nexus-gateway/conversant/pkg/envelope"
)

// Adapter is the minimal contract for a channel connector.
type Adapter interface {
	// Type returns the channel type this adapter handles (e.g. "twilio").
	Type() string
}

// LifecycleAdapter represents adapters that can start and stop.
type LifecycleAdapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// OutboundAdapter represents adapters that can deliver an outbound envelope.
type OutboundAdapter interface {
	Send(ctx context.Context, msg envelope.Outbound) error
}

// HealthAdapter represents adapters that expose status and metrics.
type HealthAdapter interface {
	Status() Status
	HealthCheck(ctx context.Context) HealthStatus
	Metrics() MetricsSnapshot
}

// FullAdapter aggregates all adapter capabilities for convenience.
type FullAdapter interface {
	Adapter
	LifecycleAdapter
	OutboundAdapter
	HealthAdapter
}

// Status represents the connection status of a channel.
type Status struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	LastPing  int64  `json:"last_ping,omitempty"` // Unix timestamp
}

// HealthStatus represents the health check result for an adapter.
type HealthStatus struct {
	// Healthy indicates whether the adapter is functioning correctly
	Healthy bool `json:"healthy"`

	// Latency is the time taken to perform the health check
	Latency time.Duration `json:"latency"`

	// Message provides additional context about the health status
	Message string `json:"message,omitempty"`

	// LastCheck is the timestamp of this health check
	LastCheck time.Time `json:"last_check"`

	// Degraded indicates the service is operational but with reduced functionality
	Degraded bool `json:"degraded,omitempty"`
}

// Registry manages multiple channel adapters.
type Registry struct {
	adapters  map[string]Adapter
	outbound  map[string]OutboundAdapter
	lifecycle map[string]LifecycleAdapter
	health    map[string]HealthAdapter
}

// NewRegistry creates a new channel registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters:  make(map[string]Adapter),
		outbound:  make(map[string]OutboundAdapter),
		lifecycle: make(map[string]LifecycleAdapter),
		health:    make(map[string]HealthAdapter),
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) {
	channelType := adapter.Type()
	r.adapters[channelType] = adapter

	if outbound, ok := adapter.(OutboundAdapter); ok {
		r.outbound[channelType] = outbound
	} else {
		delete(r.outbound, channelType)
	}

	if lifecycle, ok := adapter.(LifecycleAdapter); ok {
		r.lifecycle[channelType] = lifecycle
	} else {
		delete(r.lifecycle, channelType)
	}

	if health, ok := adapter.(HealthAdapter); ok {
		r.health[channelType] = health
	} else {
		delete(r.health, channelType)
	}
}

// Get returns an adapter by channel type.
func (r *Registry) Get(channelType string) (Adapter, bool) {
	adapter, ok := r.adapters[channelType]
	return adapter, ok
}

// GetOutbound returns an adapter that can send messages for the channel.
func (r *Registry) GetOutbound(channelType string) (OutboundAdapter, bool) {
	adapter, ok := r.outbound[channelType]
	return adapter, ok
}

// HealthAdapters returns a copy of registered health adapters.
func (r *Registry) HealthAdapters() map[string]HealthAdapter {
	out := make(map[string]HealthAdapter, len(r.health))
	for channelType, adapter := range r.health {
		out[channelType] = adapter
	}
	return out
}

// All returns all registered adapters.
func (r *Registry) All() []Adapter {
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	return adapters
}

// StartAll starts all registered adapters.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, adapter := range r.lifecycle {
		if err := adapter.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops all registered adapters.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, adapter := range r.lifecycle {
		if err := adapter.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

