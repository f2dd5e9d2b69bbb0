// Package provider resolves (provider_id, model_id) pairs to ready-to-use
// model handles with credentials attached, per spec.md §4.4. Grounded on
// the original agnt-llm-registry crate (provider.rs, auth.rs,
// model_source.rs, registry.rs), with the teacher's internal/llmmodel
// package kept and generalized into the model_source: static_list variant
// rather than discarded (see StaticModelSourceFromLLMModel).
package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/codalotl/codalotl/internal/llmmodel"
)

// Registry holds provider registrations and resolves models against them.
type Registry struct {
	mu    sync.RWMutex
	regs  map[llmmodel.ProviderID]ProviderRegistration
	order []llmmodel.ProviderID

	resolver  AuthResolver
	transport *transportCache
}

// NewRegistry returns an empty registry. resolver, if non-nil, is consulted
// before the registry's own credential fallbacks (env vars for API keys).
func NewRegistry(resolver AuthResolver) *Registry {
	return &Registry{
		regs:      make(map[llmmodel.ProviderID]ProviderRegistration),
		resolver:  resolver,
		transport: newTransportCache(),
	}
}

// Register adds or replaces a provider's registration.
func (r *Registry) Register(reg ProviderRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.regs[reg.ID]; !exists {
		r.order = append(r.order, reg.ID)
	}
	r.regs[reg.ID] = reg
}

// Get returns a provider's registration, if any.
func (r *Registry) Get(providerID llmmodel.ProviderID) (ProviderRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[providerID]
	return reg, ok
}

// Providers returns every registered provider, in registration order.
func (r *Registry) Providers() []ProviderRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderRegistration, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.regs[id])
	}
	return out
}

// ResolvedModel is the result of resolving a (provider, model) pair: the
// model's metadata, the transport tag to dispatch on, and the credentials
// to attach to requests.
type ResolvedModel struct {
	Provider     ProviderRegistration
	Model        ModelSpec
	TransportTag string
	Auth         ResolvedAuth
	CacheKey     string
}

// ResolveModel implements spec.md §4.4's "Model resolution" algorithm:
// find the model in the provider's model source, pick a transport tag,
// resolve credentials, and compute (without building) the transport cache
// key a caller should key its transport instance on.
func (r *Registry) ResolveModel(ctx context.Context, providerID llmmodel.ProviderID, modelID string) (ResolvedModel, error) {
	reg, ok := r.Get(providerID)
	if !ok {
		return ResolvedModel{}, &ErrProviderNotFound{ProviderID: string(providerID)}
	}

	models, err := reg.ModelSource.models(ctx, providerID)
	if err != nil {
		return ResolvedModel{}, fmt.Errorf("provider: load models for %q: %w", providerID, err)
	}

	var model *ModelSpec
	for i := range models {
		if models[i].ID == modelID {
			model = &models[i]
			break
		}
	}
	if model == nil {
		return ResolvedModel{}, &ErrModelNotFound{ProviderID: string(providerID), ModelID: modelID}
	}

	transportTag := model.TransportTag
	if transportTag == "" {
		transportTag = reg.PrimaryTransportTag()
	}

	auth, err := r.resolveCredentials(reg)
	if err != nil {
		return ResolvedModel{}, err
	}

	cacheKey := transportCacheKey(reg, auth)

	return ResolvedModel{
		Provider:     reg,
		Model:        *model,
		TransportTag: transportTag,
		Auth:         auth,
		CacheKey:     cacheKey,
	}, nil
}

// resolveCredentials implements spec.md §4.4's "Credential resolution":
// consult the external resolver first, then the method-specific fallback.
func (r *Registry) resolveCredentials(reg ProviderRegistration) (ResolvedAuth, error) {
	req := AuthRequest{
		ProviderID:   reg.ID,
		ProviderName: reg.DisplayName,
		AuthMethod:   reg.AuthMethod,
	}
	if reg.AuthMethod.Kind == AuthMethodAPIKey {
		req.EnvCandidates = reg.AuthMethod.APIKey.EnvNames
	}

	if r.resolver != nil {
		resolved, err := r.resolver.Resolve(req)
		if err != nil {
			return ResolvedAuth{}, fmt.Errorf("provider: resolve credentials for %q: %w", reg.ID, err)
		}
		if resolved != nil {
			return *resolved, nil
		}
	}

	switch reg.AuthMethod.Kind {
	case AuthMethodAPIKey:
		if value, ok := resolveAPIKeyFromEnv(reg.AuthMethod.APIKey.EnvNames); ok {
			return ResolvedAPIKey(value), nil
		}
		return ResolvedAuth{}, &ErrMissingCredentials{ProviderID: string(reg.ID)}
	case AuthMethodOAuthPkce:
		// No stdlib fallback for OAuth: only the resolver hook (typically
		// backed by internal/credential + internal/oauthpkce) can supply it.
		return ResolvedAuth{}, &ErrMissingCredentials{ProviderID: string(reg.ID)}
	default:
		return ResolvedAuth{}, &ErrMissingCredentials{ProviderID: string(reg.ID)}
	}
}

// TransportInstance returns the cached transport instance for key, if any.
func (r *Registry) TransportInstance(key string) (any, bool) {
	return r.transport.get(key)
}

// StoreTransportInstance caches instance under key for future TransportInstance lookups.
func (r *Registry) StoreTransportInstance(key string, instance any) {
	r.transport.set(key, instance)
}
