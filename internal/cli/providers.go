package cli

import (
	"path/filepath"

	"github.com/codalotl/codalotl/internal/credential"
	"github.com/codalotl/codalotl/internal/llmmodel"
	"github.com/codalotl/codalotl/internal/provider"
	"github.com/codalotl/codalotl/internal/q/cascade"
	"github.com/codalotl/codalotl/internal/session"
)

// sessionDBPath resolves the sqlite session store path, honoring
// Config.SessionDBPath and otherwise defaulting under ~/.codalotl.
func sessionDBPath(cfg Config) string {
	if p := cfg.SessionDBPath; p != "" {
		return cascade.ExpandPath(p)
	}
	return cascade.ExpandPath(filepath.Join("~", ".codalotl", "sessions.db"))
}

// buildProviderRegistry registers an llmmodel-backed static_list provider for
// every provider llmmodel already knows about, so internal/provider.Registry
// can resolve (provider, model) pairs without duplicating the catalog. This
// is how the teacher's package-level model catalog gets generalized into the
// registry instead of being replaced by it.
func buildProviderRegistry(resolver provider.AuthResolver) *provider.Registry {
	reg := provider.NewRegistry(resolver)
	envVars := llmmodel.ProviderKeyEnvVars()

	for _, pid := range llmmodel.AllProviderIDs {
		p := provider.NewProviderRegistration(pid, string(pid))
		p.TransportTags = []string{string(pid)}
		if ev := envVars[pid]; ev != "" {
			p.AuthMethod = provider.NewAPIKeyAuth(ev)
		}
		p.ModelSource = provider.StaticModelSourceFromLLMModel(pid)
		reg.Register(p)
	}
	return reg
}

// openSessionStore opens the sqlite session store at cfg's configured path.
func openSessionStore(cfg Config) (*session.Store, error) {
	return session.Open(sessionDBPath(cfg))
}

// newAuthManager builds an AuthManager backed by an encrypted credential
// store rooted at db. encryptAtRest selects the AEAD-via-keyring envelope
// over plaintext storage; see internal/credential's NewStore doc comment.
func newAuthManager(db *session.Store, encryptAtRest bool) *provider.AuthManager {
	store := credential.NewStore("codalotl", db, encryptAtRest)
	return provider.NewAuthManager(store)
}
