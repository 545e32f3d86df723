package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"logview/internal/codec"
	"logview/internal/policy"
)

// Options configures one log-consistency provider registration.
type Options struct {
	// InitStage orders storage initialisation across providers; lower stages
	// run first.
	InitStage int
	// Serializer names the serializer used for persisted snapshots.
	Serializer string
	// SnapshotPolicy is an explicitly configured policy instance. When nil,
	// the policy registry resolves one by provider name.
	SnapshotPolicy any
	// Init opens the provider's storage handles. Run once, at InitStage.
	Init func(ctx context.Context) error
	// Close releases storage handles.
	Close func() error
}

// Provider is one named registration.
type Provider struct {
	Name    string
	Options Options
}

// Registry is the wiring surface: providers registered by name, one of them
// optionally the default, plus the snapshot policy registry they resolve
// against.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]*Provider
	defaultName string
	policies    *policy.Registry
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]*Provider),
		policies:  policy.NewRegistry(),
	}
}

func (r *Registry) Policies() *policy.Registry { return r.policies }

// AddLogConsistencyProvider registers a provider under name.
func (r *Registry) AddLogConsistencyProvider(name string, configure func(*Options)) error {
	return r.add(name, configure, false)
}

// AddLogConsistencyProviderAsDefault registers a provider and makes it the
// default lookup target.
func (r *Registry) AddLogConsistencyProviderAsDefault(name string, configure func(*Options)) error {
	return r.add(name, configure, true)
}

func (r *Registry) add(name string, configure func(*Options), asDefault bool) error {
	if name == "" {
		return fmt.Errorf("provider name is required")
	}
	opts := Options{Serializer: codec.NameJSON}
	if configure != nil {
		configure(&opts)
	}
	if opts.Serializer != codec.NameJSON {
		return fmt.Errorf("unknown serializer %q", opts.Serializer)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; ok {
		return fmt.Errorf("provider %q already registered", name)
	}
	if asDefault && r.defaultName != "" {
		return fmt.Errorf("default provider already set to %q", r.defaultName)
	}
	r.providers[name] = &Provider{Name: name, Options: opts}
	if asDefault {
		r.defaultName = name
		r.policies.SetDefault(name)
	}
	if opts.SnapshotPolicy != nil {
		r.policies.Register(name, opts.SnapshotPolicy)
	}
	return nil
}

// Provider looks a registration up by name; an empty name resolves to the
// default.
func (r *Registry) Provider(name string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	return p, ok
}

// PolicyFor resolves the snapshot policy for a provider: the provider's
// explicit instance, else the registry lookup by name, else by default name,
// else None.
func PolicyFor[V, E any](r *Registry, providerName string) policy.SnapshotPolicy[V, E] {
	p, ok := r.Provider(providerName)
	if ok {
		if explicit, typed := p.Options.SnapshotPolicy.(policy.SnapshotPolicy[V, E]); typed {
			return explicit
		}
	}
	return policy.Resolve[V, E](r.policies, providerName, nil)
}

// Init runs every provider's Init hook grouped by ascending init stage.
func (r *Registry) Init(ctx context.Context) error {
	r.mu.RLock()
	providers := make([]*Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()

	sort.Slice(providers, func(i, j int) bool {
		if providers[i].Options.InitStage != providers[j].Options.InitStage {
			return providers[i].Options.InitStage < providers[j].Options.InitStage
		}
		return providers[i].Name < providers[j].Name
	})
	for _, p := range providers {
		if p.Options.Init == nil {
			continue
		}
		if err := p.Options.Init(ctx); err != nil {
			return fmt.Errorf("init provider %q at stage %d: %w", p.Name, p.Options.InitStage, err)
		}
	}
	return nil
}

// Close releases every provider's storage handles.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var firstErr error
	for _, p := range r.providers {
		if p.Options.Close == nil {
			continue
		}
		if err := p.Options.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
