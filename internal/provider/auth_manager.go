package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/codalotl/codalotl/internal/credential"
	"github.com/codalotl/codalotl/internal/oauthpkce"
)

// AuthManager resolves and persists provider credentials: env-var/cached
// API keys, and the OAuth PKCE begin/complete/refresh cycle. Grounded on
// agnt-auth/src/manager.rs's AuthManager; Resolver() plays the role of
// AuthManager::resolver, handing the registry an AuthResolver backed by
// this manager's cache/store instead of requiring every caller to know
// about credential.Store directly.
type AuthManager struct {
	store *credential.Store
}

// NewAuthManager returns an AuthManager backed by store.
func NewAuthManager(store *credential.Store) *AuthManager {
	return &AuthManager{store: store}
}

// Resolver returns an AuthResolver that consults this manager's cached
// credentials (never performing network I/O itself — OAuth refresh is the
// caller's responsibility via RefreshOAuthIfNeeded, matching the original's
// resolve_cached/refresh_oauth_if_needed split).
func (m *AuthManager) Resolver() AuthResolver {
	return AuthResolverFunc(m.resolveCached)
}

func (m *AuthManager) resolveCached(req AuthRequest) (*ResolvedAuth, error) {
	ctx := context.Background()
	switch req.AuthMethod.Kind {
	case AuthMethodAPIKey:
		if value, ok := resolveAPIKeyFromEnv(req.AuthMethod.APIKey.EnvNames); ok {
			resolved := ResolvedAPIKey(value)
			return &resolved, nil
		}
		cred, err := m.store.Load(ctx, string(req.ProviderID))
		if err != nil {
			return nil, err
		}
		if cred != nil && cred.Kind == credential.KindAPIKey {
			resolved := ResolvedAPIKey(cred.APIKey)
			return &resolved, nil
		}
		return nil, nil
	case AuthMethodOAuthPkce:
		cred, err := m.store.Load(ctx, string(req.ProviderID))
		if err != nil {
			return nil, err
		}
		if cred != nil && cred.Kind == credential.KindOAuthPkce {
			resolved := ResolvedBearer(cred.AccessToken)
			return &resolved, nil
		}
		return nil, nil
	default:
		return nil, nil
	}
}

// StoreAPIKey persists apiKey for providerID and returns the resolved auth.
func (m *AuthManager) StoreAPIKey(ctx context.Context, providerID, apiKey string) (ResolvedAuth, error) {
	cred := credential.APIKeyCredential(apiKey)
	if err := m.store.Save(ctx, providerID, cred); err != nil {
		return ResolvedAuth{}, err
	}
	return ResolvedAPIKey(apiKey), nil
}

// BeginOAuth starts a PKCE flow for a provider (the provider id itself
// isn't needed by Begin; it's accepted here only to mirror the original's
// signature and keep call sites self-documenting).
func (m *AuthManager) BeginOAuth(providerID string, config oauthpkce.Config) (oauthpkce.Start, error) {
	return oauthpkce.Begin(config)
}

// CompleteOAuth finishes a PKCE flow: extracts the code from whatever the
// user pasted back, exchanges it for tokens, and persists the result.
func (m *AuthManager) CompleteOAuth(ctx context.Context, providerID string, config oauthpkce.Config, pending oauthpkce.Start, authorizationInput string) (ResolvedAuth, error) {
	code, err := oauthpkce.ExtractCodeFromInput(authorizationInput, pending.State)
	if err != nil {
		return ResolvedAuth{}, err
	}
	cred, err := oauthpkce.ExchangeAuthorizationCode(ctx, config, code, pending.Verifier)
	if err != nil {
		return ResolvedAuth{}, fmt.Errorf("provider: exchange oauth code: %w", err)
	}
	if err := m.saveOAuthCredential(ctx, providerID, cred); err != nil {
		return ResolvedAuth{}, err
	}
	return ResolvedBearer(cred.AccessToken), nil
}

// RefreshOAuthIfNeeded returns the provider's current access token,
// refreshing it first if it has expired. Returns (nil, nil) if no
// credential is stored at all.
func (m *AuthManager) RefreshOAuthIfNeeded(ctx context.Context, providerID string, config oauthpkce.Config) (*ResolvedAuth, error) {
	stored, err := m.store.Load(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if stored == nil || stored.Kind != credential.KindOAuthPkce {
		return nil, nil
	}

	if stored.ExpiresAtMs > time.Now().UnixMilli() {
		resolved := ResolvedBearer(stored.AccessToken)
		return &resolved, nil
	}

	refreshed, err := oauthpkce.RefreshToken(ctx, config, stored.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("provider: refresh oauth token: %w", err)
	}
	if err := m.saveOAuthCredential(ctx, providerID, refreshed); err != nil {
		return nil, err
	}
	resolved := ResolvedBearer(refreshed.AccessToken)
	return &resolved, nil
}

func (m *AuthManager) saveOAuthCredential(ctx context.Context, providerID string, cred oauthpkce.Credential) error {
	stored := credential.OAuthCredential(cred.AccessToken, cred.RefreshToken, cred.ExpiresAtMs, nil)
	return m.store.Save(ctx, providerID, stored)
}
