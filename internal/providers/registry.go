package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNoTokenCounter is returned when proactive counting is requested
// from a provider that only reports usage reactively.
var ErrNoTokenCounter = errors.New("provider has no token counter")

// Registry holds the configured providers by name. Population happens
// once at startup; lookups are concurrent.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (configured: %s)", name, strings.Join(r.namesLocked(), ", "))
	}
	return p, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ParseSpec splits a "provider/model" string. The model part may itself
// contain slashes (openrouter-style ids); only the first separator counts.
// A bare provider name selects that provider's default model.
func ParseSpec(spec string) (provider, model string, err error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", "", errors.New("empty provider spec")
	}
	provider, model, _ = strings.Cut(spec, "/")
	if provider == "" {
		return "", "", fmt.Errorf("invalid provider spec %q", spec)
	}
	return provider, model, nil
}

// Resolve looks up a "provider/model" spec against the registry,
// filling in the provider default when the model part is empty.
func (r *Registry) Resolve(spec string) (Provider, string, error) {
	name, model, err := ParseSpec(spec)
	if err != nil {
		return nil, "", err
	}
	p, err := r.Get(name)
	if err != nil {
		return nil, "", err
	}
	if model == "" {
		model = p.DefaultModel()
	}
	return p, model, nil
}
