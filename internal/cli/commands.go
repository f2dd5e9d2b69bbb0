package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/codalotl/codalotl/internal/agent"
	"github.com/codalotl/codalotl/internal/edit"
	"github.com/codalotl/codalotl/internal/llmmodel"
	"github.com/codalotl/codalotl/internal/provider"
	qcli "github.com/codalotl/codalotl/internal/q/cli"
	"github.com/codalotl/codalotl/internal/tools"
	"github.com/codalotl/codalotl/internal/tools/coretools"
)

const defaultSystemPrompt = "You are codalotl, a terminal-based coding agent. Use the read, edit, bash, and skill tools to accomplish the user's request."

type configState struct {
	once sync.Once
	cfg  Config
	err  error
}

func (s *configState) get() (Config, error) {
	s.once.Do(func() {
		s.cfg, s.err = loadConfig()
	})
	return s.cfg, s.err
}

func newRootCommand() *qcli.Command {
	cfgState := &configState{}

	runWithConfig := func(next func(c *qcli.Context, cfg Config) error) qcli.RunFunc {
		return func(c *qcli.Context) error {
			cfg, err := cfgState.get()
			if err != nil {
				return qcli.ExitError{Code: 1, Err: err}
			}
			if err := validateStartup(cfg); err != nil {
				return qcli.ExitError{Code: 1, Err: err}
			}
			return next(c, cfg)
		}
	}

	root := &qcli.Command{
		Name:  "codalotl",
		Short: "codalotl is a terminal-based LLM coding agent.",
		Args:  qcli.NoArgs,
		Run: func(c *qcli.Context) error {
			return qcli.ExitError{Code: 2, Err: fmt.Errorf("missing required subcommand; try `codalotl exec` or `codalotl config`")}
		},
	}

	execCmd := &qcli.Command{
		Name:  "exec",
		Short: "Run codalotl noninteractively with a single prompt, printing the transcript to stdout.",
		Args:  qcli.MinimumArgs(1),
	}
	execFlags := execCmd.Flags()
	execModel := execFlags.String("model", 0, "", "LLM model ID to use (overrides config preferredmodel; empty = default).")
	execCmd.Run = runWithConfig(func(c *qcli.Context, cfg Config) error {
		userPrompt := strings.TrimSpace(strings.Join(c.Args, " "))
		if userPrompt == "" {
			return qcli.ExitError{Code: 2, Err: fmt.Errorf("prompt must not be empty")}
		}

		modelID := llmmodel.ModelID(strings.TrimSpace(*execModel))
		if modelID == "" {
			modelID = llmmodel.ModelID(strings.TrimSpace(cfg.PreferredModel))
		}
		modelID = llmmodel.ModelIDOrFallback(modelID)

		cwd, err := os.Getwd()
		if err != nil {
			return qcli.ExitError{Code: 1, Err: fmt.Errorf("determine working directory: %w", err)}
		}

		toolSet := []tools.Tool{
			coretools.NewReadTool(cwd),
			coretools.NewBashTool(cwd),
			coretools.NewSkillTool(cwd),
			edit.NewEditTool(cwd),
		}

		ag, err := agent.NewAgent(modelID, defaultSystemPrompt, toolSet)
		if err != nil {
			return qcli.ExitError{Code: 1, Err: fmt.Errorf("create agent: %w", err)}
		}

		return runExecTurn(c, c.Out, ag, userPrompt)
	})

	configCmd := &qcli.Command{
		Name:  "config",
		Short: "Show the effective configuration.",
		Args:  qcli.NoArgs,
		Run: func(c *qcli.Context) error {
			cfg, err := cfgState.get()
			if err != nil {
				return qcli.ExitError{Code: 1, Err: err}
			}
			return writeConfig(c.Out, cfg)
		},
	}

	versionCmd := &qcli.Command{
		Name:  "version",
		Short: "Print the codalotl version.",
		Args:  qcli.NoArgs,
		Run: func(c *qcli.Context) error {
			_, err := fmt.Fprintln(c.Out, Version)
			return err
		},
	}

	root.AddCommand(execCmd, configCmd, versionCmd, newAuthCommand(cfgState), newSessionCommand(cfgState))
	return root
}

// newAuthCommand exercises internal/provider's AuthManager and Registry:
// storing an API key under the encrypted credential store, and reporting
// which registered providers currently resolve credentials.
func newAuthCommand(cfgState *configState) *qcli.Command {
	authCmd := &qcli.Command{
		Name:  "auth",
		Short: "Manage LLM provider credentials.",
	}

	loginCmd := &qcli.Command{
		Name:  "login",
		Short: "Store an API key for a provider (e.g. `codalotl auth login openai sk-...`).",
		Args:  qcli.ExactArgs(2),
		Run: func(c *qcli.Context) error {
			cfg, err := cfgState.get()
			if err != nil {
				return qcli.ExitError{Code: 1, Err: err}
			}
			providerID, apiKey := strings.TrimSpace(c.Args[0]), strings.TrimSpace(c.Args[1])
			if providerID == "" || apiKey == "" {
				return qcli.ExitError{Code: 2, Err: fmt.Errorf("usage: codalotl auth login <provider> <api-key>")}
			}

			db, err := openSessionStore(cfg)
			if err != nil {
				return qcli.ExitError{Code: 1, Err: fmt.Errorf("open session store: %w", err)}
			}
			defer func() { _ = db.Close() }()

			mgr := newAuthManager(db, true)
			if _, err := mgr.StoreAPIKey(c, providerID, apiKey); err != nil {
				return qcli.ExitError{Code: 1, Err: fmt.Errorf("store credential: %w", err)}
			}

			_, err = fmt.Fprintf(c.Out, "Stored credential for provider %q.\n", providerID)
			return err
		},
	}

	statusCmd := &qcli.Command{
		Name:  "status",
		Short: "List registered providers and whether credentials resolve for each.",
		Args:  qcli.NoArgs,
		Run: func(c *qcli.Context) error {
			cfg, err := cfgState.get()
			if err != nil {
				return qcli.ExitError{Code: 1, Err: err}
			}

			db, err := openSessionStore(cfg)
			if err != nil {
				return qcli.ExitError{Code: 1, Err: fmt.Errorf("open session store: %w", err)}
			}
			defer func() { _ = db.Close() }()

			mgr := newAuthManager(db, true)
			reg := buildProviderRegistry(mgr.Resolver())

			for _, p := range reg.Providers() {
				status := "not configured"
				var missing *provider.ErrMissingCredentials
				if _, err := reg.ResolveModel(c, p.ID, ""); err == nil || !errors.As(err, &missing) {
					// A model-not-found error (empty model id) still proves
					// credentials resolved; any other error means "ready" too.
					status = "ready"
				}
				if _, err := fmt.Fprintf(c.Out, "%-12s %s\n", p.ID, status); err != nil {
					return err
				}
			}
			return nil
		},
	}

	authCmd.AddCommand(loginCmd, statusCmd)
	return authCmd
}

// newSessionCommand exposes internal/session's project/session store so
// users can inspect prior runs across invocations of `codalotl exec`.
func newSessionCommand(cfgState *configState) *qcli.Command {
	sessionCmd := &qcli.Command{
		Name:  "session",
		Short: "Inspect stored coding sessions.",
	}

	listCmd := &qcli.Command{
		Name:  "list",
		Short: "List sessions recorded for the current project.",
		Args:  qcli.NoArgs,
		Run: func(c *qcli.Context) error {
			cfg, err := cfgState.get()
			if err != nil {
				return qcli.ExitError{Code: 1, Err: err}
			}

			cwd, err := os.Getwd()
			if err != nil {
				return qcli.ExitError{Code: 1, Err: fmt.Errorf("determine working directory: %w", err)}
			}

			db, err := openSessionStore(cfg)
			if err != nil {
				return qcli.ExitError{Code: 1, Err: fmt.Errorf("open session store: %w", err)}
			}
			defer func() { _ = db.Close() }()

			proj, err := db.ProjectByRootDir(c, cwd)
			if err != nil {
				return qcli.ExitError{Code: 1, Err: fmt.Errorf("look up project: %w", err)}
			}
			if proj == nil {
				_, err := fmt.Fprintln(c.Out, "No sessions recorded for this project yet.")
				return err
			}

			sessions, err := db.ListSessionsForProject(c, proj.ID, 50)
			if err != nil {
				return qcli.ExitError{Code: 1, Err: fmt.Errorf("list sessions: %w", err)}
			}
			if len(sessions) == 0 {
				_, err := fmt.Fprintln(c.Out, "No sessions recorded for this project yet.")
				return err
			}

			for _, s := range sessions {
				title := "(untitled)"
				if s.Title != nil && strings.TrimSpace(*s.Title) != "" {
					title = strings.TrimSpace(*s.Title)
				}
				if _, err := fmt.Fprintf(c.Out, "%s  %s\n", s.ID, title); err != nil {
					return err
				}
			}
			return nil
		},
	}

	sessionCmd.AddCommand(listCmd)
	return sessionCmd
}

func runExecTurn(ctx context.Context, out io.Writer, ag *agent.Agent, prompt string) error {
	events := ag.SendUserMessage(ctx, prompt)
	var turnErr error
	for ev := range events {
		switch ev.Type {
		case agent.EventTypeAssistantText:
			_, _ = io.WriteString(out, ev.TextContent.Content)
		case agent.EventTypeToolCallStart:
			if ev.ToolCall != nil {
				title := ev.ToolCall.Name
				if ev.ToolCall.Display != nil && ev.ToolCall.Display.Title != "" {
					title = ev.ToolCall.Display.Title
				}
				_, _ = fmt.Fprintf(out, "\n[%s]\n", title)
			}
		case agent.EventTypeToolCallDone:
			if ev.ToolResult != nil {
				_, _ = fmt.Fprintf(out, "%s\n", ev.ToolResult.Result)
			}
		case agent.EventTypeError:
			turnErr = ev.Error
		}
	}
	if turnErr != nil {
		return qcli.ExitError{Code: 1, Err: turnErr}
	}
	return nil
}
