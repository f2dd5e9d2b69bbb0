package coretools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/codalotl/codalotl/internal/llmstream"
	"github.com/codalotl/codalotl/internal/tools"
)

const ToolNameShell = "bash"

const descriptionShell = "Run a shell command in the workspace and return its combined stdout/stderr output."

type toolShell struct {
	cwd string
}

// NewBashTool returns the `bash` tool, running commands with cwd as the
// working directory.
func NewBashTool(cwd string) tools.Tool {
	return &toolShell{cwd: cwd}
}

type shellParams struct {
	Command string `json:"command"`
}

func (t *toolShell) Definition() tools.Definition {
	return tools.Definition{
		Name:        ToolNameShell,
		Description: descriptionShell,
		Parameters: map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute via `bash -c`",
			},
		},
		Required: []string{"command"},
	}
}

func (t *toolShell) Prepare(argsJSON string) (tools.PreparedCall, error) {
	var params shellParams
	if err := json.Unmarshal([]byte(argsJSON), &params); err != nil {
		return tools.PreparedCall{}, fmt.Errorf("error parsing parameters: %w", err)
	}
	if strings.TrimSpace(params.Command) == "" {
		return tools.PreparedCall{}, fmt.Errorf("command is required")
	}

	command := params.Command

	return tools.PreparedCall{
		InputDisplay: llmstream.ToolCallDisplay{
			Title: fmt.Sprintf("Run `%s`", command),
			Description: &llmstream.DisplayBody{
				Code: command,
				Lang: "sh",
			},
		},
		Execute: func(ctx context.Context) (tools.ExecResult, error) {
			return t.execute(ctx, command)
		},
	}, nil
}

func (t *toolShell) execute(ctx context.Context, command string) (tools.ExecResult, error) {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = t.cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var out strings.Builder
	out.WriteString(stdout.String())
	if stderr.Len() > 0 {
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString("stderr:\n")
		out.WriteString(stderr.String())
	}

	exitCode := 0
	isError := false
	if runErr != nil {
		isError = true
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return tools.ExecResult{
				LLMText: runErr.Error(),
				Display: llmstream.DisplayBody{Text: runErr.Error()},
				IsError: true,
			}, nil
		}
	}
	if exitCode != 0 {
		out.WriteString(fmt.Sprintf("\n[exit code: %d]", exitCode))
	}

	result := out.String()
	if result == "" {
		result = "(no output)"
	}

	return tools.ExecResult{
		LLMText: result,
		Display: llmstream.DisplayBody{Text: result},
		IsError: isError,
	}, nil
}
