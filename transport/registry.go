package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// ErrUnknownTransport is returned by Build when SinkSystem names no
// registered transport.
var ErrUnknownTransport = errors.New("unknown transport")

type entry struct {
	build Builder
	caps  *Capabilities
}

// Registry maps sink system names to transport builders. Transport packages
// add themselves from init; the adaptor resolves Config.SinkSystem through it.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// DefaultRegistry is the registry the transports package populates.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// normalize maps a SinkSystem value onto a registry key. An empty value and
// the legacy "gochannel" name both select the in-process channel transport.
func normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "gochannel" {
		return "channel"
	}
	return name
}

// Register adds or replaces the builder for name, keeping any capabilities
// registered earlier.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[name]
	e.build = builder
	r.entries[name] = e
}

// RegisterWithCapabilities adds a builder together with the capabilities the
// admin API reports for it.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{build: builder, caps: &caps}
}

// GetCapabilities returns what name declared at registration. Unknown names
// and transports registered without capabilities report only their name.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok && e.caps != nil {
		return *e.caps
	}
	return Capabilities{Name: name}
}

// Build constructs the transport selected by cfg.GetSinkSystem.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errors.New("transport: config is required")
	}
	name := normalize(cfg.GetSinkSystem())

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok || e.build == nil {
		return Transport{}, fmt.Errorf("%w %q (registered: %s)", ErrUnknownTransport, name, strings.Join(r.Names(), ", "))
	}
	return e.build(ctx, cfg, logger)
}

// Names lists the registered transports in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Describe returns the capabilities of every registered transport, ordered
// by name.
func (r *Registry) Describe() []Capabilities {
	names := r.Names()
	out := make([]Capabilities, 0, len(names))
	for _, name := range names {
		out = append(out, r.GetCapabilities(name))
	}
	return out
}

func Register(name string, builder Builder) { DefaultRegistry.Register(name, builder) }

func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build resolves cfg against DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
