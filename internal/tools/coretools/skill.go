package coretools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/codalotl/codalotl/internal/llmstream"
	"github.com/codalotl/codalotl/internal/skills"
	"github.com/codalotl/codalotl/internal/tools"
)

const ToolNameSkill = "skill"

const descriptionSkill = "Load a named skill's instructions. Available skill names are listed in the system prompt."

type toolSkill struct {
	cwd string
}

// NewSkillTool returns the `skill` tool, discovering skills reachable from cwd
// (via internal/skills.SearchPaths).
func NewSkillTool(cwd string) tools.Tool {
	return &toolSkill{cwd: cwd}
}

type skillParams struct {
	Name string `json:"name"`
}

func (t *toolSkill) Definition() tools.Definition {
	return tools.Definition{
		Name:        ToolNameSkill,
		Description: descriptionSkill,
		Parameters: map[string]any{
			"name": map[string]any{
				"type":        "string",
				"description": "Name of the skill to load",
			},
		},
		Required: []string{"name"},
	}
}

func (t *toolSkill) Prepare(argsJSON string) (tools.PreparedCall, error) {
	var params skillParams
	if err := json.Unmarshal([]byte(argsJSON), &params); err != nil {
		return tools.PreparedCall{}, fmt.Errorf("error parsing parameters: %w", err)
	}
	if strings.TrimSpace(params.Name) == "" {
		return tools.PreparedCall{}, fmt.Errorf("name is required")
	}

	name := params.Name

	return tools.PreparedCall{
		InputDisplay: llmstream.ToolCallDisplay{
			Title: fmt.Sprintf("Load skill %s", name),
		},
		Execute: func(ctx context.Context) (tools.ExecResult, error) {
			return t.execute(name)
		},
	}, nil
}

func (t *toolSkill) execute(name string) (tools.ExecResult, error) {
	searchDirs := skills.SearchPaths(t.cwd)
	valid, _, _, err := skills.LoadSkills(searchDirs)
	if err != nil {
		return tools.ErrorResult(err.Error()), nil
	}

	for _, s := range valid {
		if s.Name == name {
			var out strings.Builder
			out.WriteString(s.Body)
			if !strings.HasSuffix(s.Body, "\n") {
				out.WriteString("\n")
			}
			out.WriteString("\nSource: ")
			out.WriteString(filepath.Join(s.AbsDir, "SKILL.md"))
			return tools.ExecResult{
				LLMText: out.String(),
				Display: llmstream.DisplayBody{Text: out.String()},
			}, nil
		}
	}

	names := make([]string, 0, len(valid))
	for _, s := range valid {
		names = append(names, s.Name)
	}
	sort.Strings(names)

	msg := fmt.Sprintf("unknown skill %q", name)
	if len(names) > 0 {
		msg += fmt.Sprintf("; available skills: %s", strings.Join(names, ", "))
	} else {
		msg += "; no skills are available"
	}
	return tools.ErrorResult(msg), nil
}
