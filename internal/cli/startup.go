package cli

import (
	"fmt"
	"strings"

	"github.com/codalotl/codalotl/internal/llmmodel"
)

type startupValidationError struct {
	LLMEnvVars []string
}

func (e startupValidationError) Error() string {
	var b strings.Builder
	b.WriteString("codalotl startup validation failed.\n")
	b.WriteString("\nNo LLM provider API key is configured.\n")

	if len(e.LLMEnvVars) > 0 {
		b.WriteString("\nTo fix, set one of these ENV variables (recommended):\n")
		for _, ev := range e.LLMEnvVars {
			b.WriteString("- ")
			b.WriteString(ev)
			b.WriteString("\n")
		}
	}

	b.WriteString("\nOr add a config file:\n")
	b.WriteString("- Global: ")
	b.WriteString(globalConfigPath())
	b.WriteString("\n")
	b.WriteString("- Project: .codalotl/config.json\n")

	if len(e.LLMEnvVars) > 0 {
		b.WriteString("\nExample config.json:\n")
		b.WriteString(fmt.Sprintf(`{
  "providerkeys": { "openai": "sk-..." }
}
`))
	}

	return strings.TrimRight(b.String(), "\n")
}

// validateStartup checks that at least one LLM provider is usable before the CLI
// attempts to run an agent turn.
func validateStartup(cfg Config) error {
	if len(llmmodel.AvailableModelIDsWithAPIKey()) > 0 {
		return nil
	}
	return startupValidationError{LLMEnvVars: llmProviderEnvVarsForDisplay(cfg)}
}
