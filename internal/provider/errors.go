package provider

import "fmt"

// ErrProviderNotFound reports an unregistered provider id.
type ErrProviderNotFound struct{ ProviderID string }

func (e *ErrProviderNotFound) Error() string {
	return fmt.Sprintf("provider: unknown provider %q", e.ProviderID)
}

// ErrModelNotFound reports a model id with no match in its provider's model
// source.
type ErrModelNotFound struct {
	ProviderID string
	ModelID    string
}

func (e *ErrModelNotFound) Error() string {
	return fmt.Sprintf("provider: unknown model %q for provider %q", e.ModelID, e.ProviderID)
}

// ErrMissingCredentials reports that no credential resolver, cached
// credential, or env var could supply auth for a provider.
type ErrMissingCredentials struct{ ProviderID string }

func (e *ErrMissingCredentials) Error() string {
	return fmt.Sprintf("provider: missing credentials for %q", e.ProviderID)
}
