package provider

import "github.com/codalotl/codalotl/internal/llmmodel"

// ProviderRegistration is a provider's full registration record, matching
// spec.md §4.4's "Registration model". Grounded on
// agnt-llm-registry/src/provider.rs's ProviderRegistration struct; its
// `npm_packages` field is renamed TransportTags here since Go has no npm
// ecosystem to route through — same concern (which transport a model is
// compatible with), different name.
type ProviderRegistration struct {
	ID             llmmodel.ProviderID
	DisplayName    string
	TransportTags  []string
	APIEndpoint    *string
	AuthMethod     AuthMethod
	ModelSource    ModelSource
	FactoryOptions any
}

// NewProviderRegistration builds a ProviderRegistration with defaulted
// AuthMethod (api key, no env names) and ModelSource (empty static list),
// matching agnt-llm-registry/src/provider.rs's ProviderRegistration::new.
func NewProviderRegistration(id llmmodel.ProviderID, displayName string) ProviderRegistration {
	return ProviderRegistration{
		ID:          id,
		DisplayName: displayName,
		AuthMethod:  NewAPIKeyAuth(),
		ModelSource: NewStaticModelSource(nil),
	}
}

// PrimaryTransportTag returns the registration's first transport tag, or ""
// if it declares none.
func (p ProviderRegistration) PrimaryTransportTag() string {
	if len(p.TransportTags) == 0 {
		return ""
	}
	return p.TransportTags[0]
}
