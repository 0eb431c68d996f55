// Package provider defines the interface for email delivery backends and the
// registry the dispatcher routes through.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shineum/mailrelay/internal/email"
)

// Provider is the interface that email delivery backends must implement.
type Provider interface {
	// Send delivers one message. Failures are reported through the result,
	// whose Message is safe to show to callers.
	Send(ctx context.Context, req email.SendRequest) email.SendResult

	// Name returns the provider identifier used as the registry key.
	Name() string
}

var (
	// ErrConfigMissing means the provider is not configured or lacks required fields.
	ErrConfigMissing = errors.New("provider configuration missing")
	// ErrValidation means the request was rejected before any provider call.
	ErrValidation = errors.New("invalid request")
	// ErrProviderCallFailed means the remote provider rejected or failed the call.
	ErrProviderCallFailed = errors.New("provider call failed")
	// ErrUnknownProvider means no provider is registered under the requested key.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Registry holds provider instances keyed by identifier. It is built at
// startup and is safe for concurrent lookups.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry holding the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds a provider, replacing any provider with the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns the registered identifiers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
