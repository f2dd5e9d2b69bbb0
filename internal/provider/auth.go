package provider

import (
	"os"
	"strings"

	"github.com/codalotl/codalotl/internal/llmmodel"
)

// AuthMethod is a provider's declared credential scheme. Exactly one of
// APIKey/OAuthPkce is meaningful, per Kind. Grounded on
// agnt-llm-registry/src/auth.rs's AuthMethod enum.
type AuthMethod struct {
	Kind AuthMethodKind

	APIKey    ApiKeyAuth
	OAuthPkce OAuthPkceAuth
}

type AuthMethodKind string

const (
	AuthMethodAPIKey    AuthMethodKind = "api_key"
	AuthMethodOAuthPkce AuthMethodKind = "oauth_pkce"
)

// ApiKeyAuth is API-key auth configuration: a candidate list of environment
// variable names, checked in order.
type ApiKeyAuth struct {
	EnvNames []string
}

// OAuthPkceAuth is OAuth PKCE auth configuration, matching spec.md §4.4.
type OAuthPkceAuth struct {
	ClientID             string
	AuthorizeURL         string
	TokenURL             string
	RedirectURL          string
	Scopes               []string
	ExtraAuthorizeParams map[string]string
	ExtraTokenParams     map[string]string
}

// NewAPIKeyAuth builds an AuthMethod for API-key auth with the given
// candidate env var names.
func NewAPIKeyAuth(envNames ...string) AuthMethod {
	return AuthMethod{Kind: AuthMethodAPIKey, APIKey: ApiKeyAuth{EnvNames: envNames}}
}

// NewOAuthPkceAuth builds an AuthMethod for OAuth PKCE auth.
func NewOAuthPkceAuth(config OAuthPkceAuth) AuthMethod {
	return AuthMethod{Kind: AuthMethodOAuthPkce, OAuthPkce: config}
}

// ResolvedAuth is a resolved credential payload ready to attach to an
// outbound request: an auth method tag plus key/value pairs (e.g. "api_key",
// or "access_token" for bearer auth).
type ResolvedAuth struct {
	Method string
	Values map[string]string
}

// ResolvedAPIKey builds a ResolvedAuth for a plain API key.
func ResolvedAPIKey(apiKey string) ResolvedAuth {
	return ResolvedAuth{Method: string(AuthMethodAPIKey), Values: map[string]string{"api_key": apiKey}}
}

// ResolvedBearer builds a ResolvedAuth for an OAuth bearer token.
func ResolvedBearer(accessToken string) ResolvedAuth {
	return ResolvedAuth{Method: string(AuthMethodOAuthPkce), Values: map[string]string{"access_token": accessToken}}
}

// Get returns the value stored under key, or "" if absent.
func (r ResolvedAuth) Get(key string) string {
	return r.Values[key]
}

// AuthRequest is passed to an AuthResolver.
type AuthRequest struct {
	ProviderID    llmmodel.ProviderID
	ProviderName  string
	AuthMethod    AuthMethod
	EnvCandidates []string
}

// AuthResolver is an external hook consulted before the registry's own
// credential-resolution fallback (env vars for API keys; nothing for
// OAuth). Grounded on agnt-llm-registry/src/auth.rs's AuthResolver trait.
type AuthResolver interface {
	Resolve(req AuthRequest) (*ResolvedAuth, error)
}

// AuthResolverFunc adapts a function to an AuthResolver.
type AuthResolverFunc func(req AuthRequest) (*ResolvedAuth, error)

func (f AuthResolverFunc) Resolve(req AuthRequest) (*ResolvedAuth, error) { return f(req) }

// resolveAPIKeyFromEnv checks candidate env vars in order and returns the
// first non-blank value.
func resolveAPIKeyFromEnv(envNames []string) (string, bool) {
	for _, name := range envNames {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v, true
		}
	}
	return "", false
}
