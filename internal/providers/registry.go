package providers

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/toolflow/internal/logging"
	"github.com/rendis/toolflow/pkg/schema"
)

// Registry is a thread-safe set of providers. It implements engine.ToolInvoker.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	breakers  *Breakers
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry guarded by breakers built from cfg.
func NewRegistry(cfg BreakerConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{
		providers: make(map[string]Provider),
		breakers:  NewBreakers(cfg),
		logger:    logger,
	}
}

// Register adds a provider. Names must be unique.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return schema.NewError(schema.ErrCodeValidation, "provider is nil")
	}
	name := p.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "provider name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeValidation, "provider %q already registered", name)
	}
	r.providers[name] = p
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeProviderNotFound, "provider %q not registered", name).
			WithDetails(map[string]any{"provider": name})
	}
	return p, nil
}

// Has reports whether a provider is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// HasAction reports whether provider is registered and exposes action.
func (r *Registry) HasAction(provider, action string) bool {
	p, err := r.Get(provider)
	if err != nil {
		return false
	}
	return hasAction(p, action)
}

func hasAction(p Provider, action string) bool {
	return slices.ContainsFunc(p.Actions(), func(a ActionInfo) bool { return a.Name == action })
}

// List returns every provider with its actions, sorted by name.
func (r *Registry) List() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ProviderInfo, 0, len(r.providers))
	for _, p := range r.providers {
		actions := p.Actions()
		sort.Slice(actions, func(i, j int) bool { return actions[i].Name < actions[j].Name })
		infos = append(infos, ProviderInfo{Name: p.Name(), Actions: actions})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Breakers exposes the per-action circuit breakers.
func (r *Registry) Breakers() *Breakers { return r.breakers }

// Invoke routes one call to its provider. Unknown providers or actions fail
// with PROVIDER_NOT_FOUND, an open circuit with CIRCUIT_OPEN, and any other
// unstructured provider error is wrapped as PROVIDER_ERROR.
func (r *Registry) Invoke(ctx context.Context, provider, action string, params map[string]any) (any, error) {
	p, err := r.Get(provider)
	if err != nil {
		return nil, err
	}
	if !hasAction(p, action) {
		return nil, schema.NewErrorf(schema.ErrCodeProviderNotFound,
			"provider %q has no action %q", provider, action).
			WithDetails(map[string]any{"provider": provider, "action": action})
	}

	key := provider + "." + action
	if err := r.breakers.Allow(key); err != nil {
		return nil, err
	}

	out, err := p.Invoke(ctx, action, params)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, err
		}
		if !schema.IsValidation(err) {
			if state := r.breakers.Failure(key); state == CircuitOpen {
				logging.LogWith(ctx, r.logger).Warn("circuit opened",
					slog.String("action", key))
			}
		}
		if _, ok := schema.AsError(err); ok {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeProvider, "%s: %s", key, err.Error()).WithCause(err)
	}

	r.breakers.Success(key)
	return out, nil
}

// Start connects every registered provider implementing Starter.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.RLock()
	all := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		all = append(all, p)
	}
	r.mu.RUnlock()
	return StartAll(ctx, all...)
}

// Close releases every provider implementing Closer.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, p := range r.providers {
		if c, ok := p.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// StartAll starts providers concurrently and returns the first failure.
func StartAll(ctx context.Context, all ...Provider) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range all {
		s, ok := p.(Starter)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := s.Start(gctx); err != nil {
				return schema.NewErrorf(schema.ErrCodeProvider, "start provider %q: %s", p.Name(), err.Error()).
					WithCause(err)
			}
			return nil
		})
	}
	return g.Wait()
}
