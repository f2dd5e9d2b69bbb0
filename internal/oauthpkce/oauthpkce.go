// Package oauthpkce implements the OAuth 2.0 authorization-code-with-PKCE
// flow used to authenticate against providers that don't accept bare API
// keys. Grounded on the original agnt-auth crate's oauth.rs, with PKCE
// verifier/challenge generation and the authorization-code/refresh-token
// exchanges delegated to golang.org/x/oauth2 rather than hand-rolled HTTP
// calls, since that's the idiomatic Go equivalent of the original's manual
// reqwest-based POSTs.
package oauthpkce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ErrMissingCode reports an authorization callback input with no code.
var ErrMissingCode = errors.New("oauthpkce: missing authorization code")

// ErrStateMismatch reports a callback input whose state param doesn't match
// the state issued by Begin.
var ErrStateMismatch = errors.New("oauthpkce: state mismatch")

// Config is a provider's OAuth PKCE settings, matching spec.md §4.4's
// OAuthPkce auth method.
type Config struct {
	ClientID     string
	AuthorizeURL string
	TokenURL     string
	RedirectURL  string
	Scopes       []string

	// ExtraAuthorizeParams are merged into the authorize URL's query string.
	ExtraAuthorizeParams map[string]string
	// ExtraTokenParams are merged into token exchange/refresh request bodies.
	ExtraTokenParams map[string]string
}

func (c Config) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:    c.ClientID,
		RedirectURL: c.RedirectURL,
		Scopes:      c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthorizeURL,
			TokenURL: c.TokenURL,
		},
	}
}

func extraAuthorizeOptions(c Config) []oauth2.AuthCodeOption {
	opts := make([]oauth2.AuthCodeOption, 0, len(c.ExtraAuthorizeParams))
	for k, v := range c.ExtraAuthorizeParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return opts
}

func extraTokenOptions(c Config) []oauth2.AuthCodeOption {
	opts := make([]oauth2.AuthCodeOption, 0, len(c.ExtraTokenParams))
	for k, v := range c.ExtraTokenParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return opts
}

// Start is the result of Begin: the URL to send the user to, plus the
// verifier/state this flow must be completed with.
type Start struct {
	AuthorizeURL string
	Verifier     string
	State        string
}

// Credential is an access/refresh token pair with its expiry.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAtMs  int64
}

// Begin starts a PKCE flow: generates a verifier/challenge pair and a random
// state, and builds the authorize URL.
func Begin(config Config) (Start, error) {
	verifier := oauth2.GenerateVerifier()
	state, err := randomURLSafeToken(16)
	if err != nil {
		return Start{}, err
	}

	opts := append([]oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}, extraAuthorizeOptions(config)...)
	authorizeURL := config.oauth2Config().AuthCodeURL(state, opts...)

	return Start{AuthorizeURL: authorizeURL, Verifier: verifier, State: state}, nil
}

// ExtractCodeFromInput pulls an authorization code out of whatever the user
// pasted back: a full redirect URL, a form-encoded body, a "code#state"
// pair, or the bare code itself. If a state value is present, it must match
// expectedState.
func ExtractCodeFromInput(input, expectedState string) (string, error) {
	value := strings.TrimSpace(input)
	if value == "" {
		return "", ErrMissingCode
	}

	var code, state string
	var haveState bool

	if u, err := url.Parse(value); err == nil && u.Scheme != "" && u.Host != "" {
		q := u.Query()
		code = q.Get("code")
		if q.Has("state") {
			state, haveState = q.Get("state"), true
		}
	} else if strings.Contains(value, "code=") {
		q, err := url.ParseQuery(value)
		if err == nil {
			code = q.Get("code")
			if q.Has("state") {
				state, haveState = q.Get("state"), true
			}
		}
	} else if idx := strings.Index(value, "#"); idx >= 0 {
		code, state = value[:idx], value[idx+1:]
		haveState = true
	} else {
		code = value
	}

	if haveState && state != expectedState {
		return "", ErrStateMismatch
	}
	if code == "" {
		return "", ErrMissingCode
	}
	return code, nil
}

// ExchangeAuthorizationCode trades an authorization code for tokens.
func ExchangeAuthorizationCode(ctx context.Context, config Config, code, verifier string) (Credential, error) {
	opts := append([]oauth2.AuthCodeOption{oauth2.VerifierOption(verifier)}, extraTokenOptions(config)...)
	tok, err := config.oauth2Config().Exchange(ctx, code, opts...)
	if err != nil {
		return Credential{}, err
	}
	return credentialFromToken(tok), nil
}

// RefreshToken exchanges a refresh token for a new access token. If the
// provider omits a new refresh token, the original one is preserved.
func RefreshToken(ctx context.Context, config Config, refreshToken string) (Credential, error) {
	src := config.oauth2Config().TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return Credential{}, err
	}
	cred := credentialFromToken(tok)
	if cred.RefreshToken == "" {
		cred.RefreshToken = refreshToken
	}
	return cred, nil
}

func credentialFromToken(tok *oauth2.Token) Credential {
	var expiresAtMs int64
	if !tok.Expiry.IsZero() {
		expiresAtMs = tok.Expiry.UnixMilli()
	} else {
		expiresAtMs = time.Now().UnixMilli()
	}
	return Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAtMs:  expiresAtMs,
	}
}

func randomURLSafeToken(numBytes int) (string, error) {
	buf := make([]byte, numBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
