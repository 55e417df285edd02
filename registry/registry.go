// Package registry is a catalog of named server configurations. A request can name a
// server with params._meta.serverRef instead of carrying the full configuration.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/Datarails/mcp-outlet/message"
)

var ErrNotFound = errors.New("registry: server not found")

type Registry interface {
	Register(ctx context.Context, name string, cfg message.ServerConfiguration) error
	Deregister(ctx context.Context, name string) error
	Lookup(ctx context.Context, name string) (message.ServerConfiguration, error)
	// List returns the registered names in sorted order.
	List(ctx context.Context) ([]string, error)
}

// MemoryRegistry keeps configurations in process memory.
type MemoryRegistry struct {
	mu      sync.RWMutex
	servers map[string]message.ServerConfiguration
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{servers: make(map[string]message.ServerConfiguration)}
}

func (r *MemoryRegistry) Register(_ context.Context, name string, cfg message.ServerConfiguration) error {
	cfg, err := prepare(name, cfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[name] = cfg
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, name)
	return nil
}

func (r *MemoryRegistry) Lookup(_ context.Context, name string) (message.ServerConfiguration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.servers[name]
	if !ok {
		return message.ServerConfiguration{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return cfg.Clone(), nil
}

func (r *MemoryRegistry) List(context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// Multi layers registries: lookups try each in order, writes go to the first.
type Multi []Registry

func (m Multi) Register(ctx context.Context, name string, cfg message.ServerConfiguration) error {
	if len(m) == 0 {
		return errors.New("registry: no backing registry")
	}
	return m[0].Register(ctx, name, cfg)
}

func (m Multi) Deregister(ctx context.Context, name string) error {
	if len(m) == 0 {
		return nil
	}
	return m[0].Deregister(ctx, name)
}

func (m Multi) Lookup(ctx context.Context, name string) (message.ServerConfiguration, error) {
	for _, r := range m {
		cfg, err := r.Lookup(ctx, name)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return message.ServerConfiguration{}, err
		}
	}
	return message.ServerConfiguration{}, fmt.Errorf("%w: %q", ErrNotFound, name)
}

func (m Multi) List(ctx context.Context) ([]string, error) {
	var names []string
	for _, r := range m {
		got, err := r.List(ctx)
		if err != nil {
			return nil, err
		}
		names = append(names, got...)
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

func prepare(name string, cfg message.ServerConfiguration) (message.ServerConfiguration, error) {
	if name == "" {
		return message.ServerConfiguration{}, errors.New("registry: empty server name")
	}
	cfg = cfg.Clone()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return message.ServerConfiguration{}, fmt.Errorf("registry: server %q: %w", name, err)
	}
	return cfg, nil
}
