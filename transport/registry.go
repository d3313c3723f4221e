package transport

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// ErrUnknownTransport is returned by Build when no builder is registered
// under the configured name.
var ErrUnknownTransport = errors.New("unknown transport")

type entry struct {
	build Builder
	caps  Capabilities
}

// Registry maps broker names, compared case-insensitively, to their builders
// and capabilities.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// DefaultRegistry is the registry the broker sub-packages register with.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds or replaces a builder. Capabilities registered earlier under
// the same name are kept.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(name)
	e := r.entries[key]
	e.build = builder
	if e.caps.Name == "" {
		e.caps.Name = key
	}
	r.entries[key] = e
}

func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(name)
	if caps.Name == "" {
		caps.Name = key
	}
	r.entries[key] = entry{build: builder, caps: caps}
}

// GetCapabilities returns what is known about name. Unknown names yield a
// zero value carrying only the name.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[strings.ToLower(name)]; ok {
		return e.caps
	}
	return Capabilities{Name: name}
}

// Build creates the publisher/subscriber pair of the broker named by
// cfg.GetPubSubSystem. Both sides must be present.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errors.New("transport: config is required")
	}
	name := strings.ToLower(cfg.GetPubSubSystem())

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok || e.build == nil {
		return Transport{}, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownTransport, name, r.Names())
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	pair, err := e.build(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("transport %s: %w", name, err)
	}
	if pair.Publisher == nil || pair.Subscriber == nil {
		_ = pair.Close()
		return Transport{}, fmt.Errorf("transport %s: builder returned an incomplete publisher/subscriber pair", name)
	}
	return pair, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.entries))
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[strings.ToLower(name)]
	return ok
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build uses the default registry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
