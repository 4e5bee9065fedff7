package client

import (
	"context"
	"reflect"
	"sync"
)

// State describes the lifecycle of a [Provider]'s batch fetch.
type State string

const (
	StateIdle     State = "idle"
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateDegraded State = "degraded"
)

// DefaultVariant is returned by [Provider.GetVariant] when no variant has been
// resolved for a flag.
const DefaultVariant = "control"

// Fallback is the substitute outcome for one flag when the flag service is
// unreachable.
type Fallback struct {
	Enabled bool
	Variant string
}

// Evaluator is the batch evaluation dependency of a [Provider]. *Client
// satisfies it.
type Evaluator interface {
	EvaluateBatch(ctx context.Context, names []string, identity Identity) (map[string]Result, error)
}

// Provider caches one batched evaluation of a fixed set of flags for an
// identity and serves synchronous lookups from it. It is scoped to an owning
// session: construct one per session, read from any goroutine, and Close it
// when the session ends.
//
// Every failure path reads as "flag off": unknown names, a failed fetch with
// no fallback entry, and lookups before the first fetch completes all return
// false.
type Provider struct {
	client    Evaluator
	names     []string
	fallbacks map[string]Fallback

	mu       sync.RWMutex
	identity Identity
	state    State
	results  map[string]Result

	fetchCancel context.CancelFunc
	closed      bool
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithFallbacks sets the per-deployment fallback table substituted while the
// provider is degraded. Flags absent from the table fall back to disabled.
func WithFallbacks(fallbacks map[string]Fallback) ProviderOption {
	return func(p *Provider) {
		p.fallbacks = fallbacks
	}
}

// NewProvider creates a provider for a fixed set of flag names and starts the
// initial batch fetch for the given identity.
func NewProvider(client Evaluator, names []string, identity Identity, opts ...ProviderOption) *Provider {
	p := &Provider{
		client:   client,
		names:    append([]string(nil), names...),
		identity: identity,
		state:    StateIdle,
		results:  make(map[string]Result),
	}
	for _, o := range opts {
		o(p)
	}

	p.mu.Lock()
	p.startFetchLocked()
	p.mu.Unlock()

	return p
}

// startFetchLocked transitions to loading and launches the batch fetch. The
// caller holds p.mu.
func (p *Provider) startFetchLocked() {
	if p.closed {
		return
	}
	if p.fetchCancel != nil {
		p.fetchCancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.fetchCancel = cancel
	p.state = StateLoading
	identity := p.identity

	go p.fetch(ctx, identity)
}

func (p *Provider) fetch(ctx context.Context, identity Identity) {
	results, err := p.client.EvaluateBatch(ctx, p.names, identity)

	p.mu.Lock()
	defer p.mu.Unlock()

	// A cancelled fetch belongs to a closed provider or a superseded
	// identity; its results must not overwrite newer state.
	if ctx.Err() != nil {
		return
	}

	if err != nil || results == nil {
		p.state = StateDegraded
		p.results = make(map[string]Result)
		return
	}

	p.state = StateReady
	p.results = results
}

// IsEnabled reports whether a flag resolved to enabled. It returns false for
// names that were never requested, while loading, and for flags without a
// fallback entry while degraded.
func (p *Provider) IsEnabled(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch p.state {
	case StateReady:
		return p.results[name].Enabled
	case StateDegraded:
		return p.fallbacks[name].Enabled
	default:
		return false
	}
}

// GetVariant returns the variant a flag resolved to, or [DefaultVariant] when
// none is known.
func (p *Provider) GetVariant(name string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch p.state {
	case StateReady:
		if result, ok := p.results[name]; ok && result.Variant != "" {
			return result.Variant
		}
	case StateDegraded:
		if fallback, ok := p.fallbacks[name]; ok && fallback.Variant != "" {
			return fallback.Variant
		}
	}
	return DefaultVariant
}

// IsLoading reports whether the batch fetch is in flight.
func (p *Provider) IsLoading() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state == StateLoading
}

// State returns the provider's lifecycle state.
func (p *Provider) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// SetIdentity swaps the identity the flags are evaluated for. A refetch is
// triggered only when the identity actually changed.
func (p *Provider) SetIdentity(identity Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || identitiesEqual(p.identity, identity) {
		return
	}

	p.identity = identity
	p.startFetchLocked()
}

// Close cancels any in-flight fetch. Lookups on a closed provider keep
// serving the last known state.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.fetchCancel != nil {
		p.fetchCancel()
		p.fetchCancel = nil
	}
}

func identitiesEqual(a, b Identity) bool {
	return a.UserID == b.UserID && reflect.DeepEqual(a.Attributes, b.Attributes)
}
