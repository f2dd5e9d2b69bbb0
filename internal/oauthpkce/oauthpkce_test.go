package oauthpkce

import (
	"net/url"
	"testing"
)

func testConfig() Config {
	return Config{
		ClientID:     "client-123",
		AuthorizeURL: "https://example.com/oauth/authorize",
		TokenURL:     "https://example.com/oauth/token",
		RedirectURL:  "https://example.com/callback",
		Scopes:       []string{"read", "write"},
	}
}

func TestBeginBuildsAuthorizeURL(t *testing.T) {
	start, err := Begin(testConfig())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	u, err := url.Parse(start.AuthorizeURL)
	if err != nil {
		t.Fatalf("parse authorize url: %v", err)
	}
	q := u.Query()

	if got := q.Get("response_type"); got != "code" {
		t.Errorf("response_type = %q, want code", got)
	}
	if got := q.Get("client_id"); got != "client-123" {
		t.Errorf("client_id = %q, want client-123", got)
	}
	if got := q.Get("redirect_uri"); got != "https://example.com/callback" {
		t.Errorf("redirect_uri = %q", got)
	}
	if got := q.Get("code_challenge_method"); got != "S256" {
		t.Errorf("code_challenge_method = %q, want S256", got)
	}
	if q.Get("code_challenge") == "" {
		t.Error("code_challenge is empty")
	}
	if got := q.Get("state"); got != start.State {
		t.Errorf("state query param = %q, want %q", got, start.State)
	}
	if got := q.Get("scope"); got != "read write" {
		t.Errorf("scope = %q, want %q", got, "read write")
	}
	if start.Verifier == "" {
		t.Error("verifier is empty")
	}
}

func TestBeginVerifierAndStateVaryPerCall(t *testing.T) {
	a, err := Begin(testConfig())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	b, err := Begin(testConfig())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if a.Verifier == b.Verifier {
		t.Error("expected distinct verifiers across calls")
	}
	if a.State == b.State {
		t.Error("expected distinct state across calls")
	}
}

func TestExtractCodeFromInputFullURL(t *testing.T) {
	code, err := ExtractCodeFromInput("https://example.com/callback?code=abc123&state=xyz", "xyz")
	if err != nil {
		t.Fatalf("ExtractCodeFromInput: %v", err)
	}
	if code != "abc123" {
		t.Errorf("code = %q, want abc123", code)
	}
}

func TestExtractCodeFromInputFormEncoded(t *testing.T) {
	code, err := ExtractCodeFromInput("code=abc123&state=xyz", "xyz")
	if err != nil {
		t.Fatalf("ExtractCodeFromInput: %v", err)
	}
	if code != "abc123" {
		t.Errorf("code = %q, want abc123", code)
	}
}

func TestExtractCodeFromInputCodeHashState(t *testing.T) {
	code, err := ExtractCodeFromInput("abc123#xyz", "xyz")
	if err != nil {
		t.Fatalf("ExtractCodeFromInput: %v", err)
	}
	if code != "abc123" {
		t.Errorf("code = %q, want abc123", code)
	}
}

func TestExtractCodeFromInputBareCode(t *testing.T) {
	code, err := ExtractCodeFromInput("abc123", "xyz")
	if err != nil {
		t.Fatalf("ExtractCodeFromInput: %v", err)
	}
	if code != "abc123" {
		t.Errorf("code = %q, want abc123", code)
	}
}

func TestExtractCodeFromInputStateMismatch(t *testing.T) {
	_, err := ExtractCodeFromInput("https://example.com/callback?code=abc123&state=wrong", "xyz")
	if err != ErrStateMismatch {
		t.Fatalf("err = %v, want ErrStateMismatch", err)
	}
}

func TestExtractCodeFromInputEmpty(t *testing.T) {
	_, err := ExtractCodeFromInput("   ", "xyz")
	if err != ErrMissingCode {
		t.Fatalf("err = %v, want ErrMissingCode", err)
	}
}
