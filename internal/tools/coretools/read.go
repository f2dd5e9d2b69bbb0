package coretools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codalotl/codalotl/internal/edit"
	"github.com/codalotl/codalotl/internal/llmstream"
	"github.com/codalotl/codalotl/internal/tools"
)

const (
	ToolNameRead = "read"

	// DefaultReadLimit/MaxReadLimit come from the original's hashline.rs: a
	// default line count distinct from the hard cap.
	DefaultReadLimit = 2000
	MaxReadLimit     = 20000
)

const descriptionRead = "Read a range of lines from a workspace file. Returns hashline-tagged content (`line:hash|text`) so a follow-up edit can address any returned line by anchor."

type toolRead struct {
	sandboxAbsDir string
}

// NewReadTool returns the hashline-anchored `read` tool (spec.md §6), reading
// files relative to sandboxAbsDir.
func NewReadTool(sandboxAbsDir string) tools.Tool {
	abs := filepath.Clean(sandboxAbsDir)
	if !filepath.IsAbs(abs) {
		if resolved, err := filepath.Abs(abs); err == nil {
			abs = resolved
		}
	}
	return &toolRead{sandboxAbsDir: abs}
}

type readParams struct {
	Path   string `json:"path"`
	Offset *int   `json:"offset"`
	Limit  *int   `json:"limit"`
}

func (t *toolRead) Definition() tools.Definition {
	return tools.Definition{
		Name:        ToolNameRead,
		Description: descriptionRead,
		Parameters: map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path to read, relative to the working directory",
			},
			"offset": map[string]any{
				"type":        "integer",
				"description": "0-based line offset to start reading from (default 0)",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": fmt.Sprintf("Maximum number of lines to return (default %d, max %d)", DefaultReadLimit, MaxReadLimit),
			},
		},
		Required: []string{"path"},
	}
}

func (t *toolRead) Prepare(argsJSON string) (tools.PreparedCall, error) {
	var params readParams
	if err := json.Unmarshal([]byte(argsJSON), &params); err != nil {
		return tools.PreparedCall{}, fmt.Errorf("error parsing parameters: %w", err)
	}
	if strings.TrimSpace(params.Path) == "" {
		return tools.PreparedCall{}, fmt.Errorf("path is required")
	}

	offset := 0
	if params.Offset != nil {
		offset = *params.Offset
	}
	if offset < 0 {
		return tools.PreparedCall{}, fmt.Errorf("offset must be >= 0")
	}

	limit := DefaultReadLimit
	limitLabel := "DEFAULT"
	if params.Limit != nil {
		limit = *params.Limit
		limitLabel = fmt.Sprintf("%d", limit)
	}
	if limit <= 0 {
		return tools.PreparedCall{}, fmt.Errorf("limit must be >= 1")
	}
	if limit > MaxReadLimit {
		return tools.PreparedCall{}, fmt.Errorf("limit must be <= %d", MaxReadLimit)
	}

	path := params.Path

	return tools.PreparedCall{
		InputDisplay: llmstream.ToolCallDisplay{
			Title: fmt.Sprintf("Read %s (offset %d, limit %s)", path, offset, limitLabel),
		},
		Execute: func(ctx context.Context) (tools.ExecResult, error) {
			return t.execute(path, offset, limit)
		},
	}, nil
}

func (t *toolRead) execute(path string, offset, limit int) (tools.ExecResult, error) {
	absPath, relPath, normErr := NormalizePath(path, t.sandboxAbsDir, WantPathTypeFile, true)
	if normErr != nil {
		return tools.ErrorResult(normErr.Error()), nil
	}
	if relPath == "" {
		relPath = absPath
	}

	raw, readErr := os.ReadFile(absPath)
	if readErr != nil {
		return tools.ErrorResult(readErr.Error()), nil
	}

	fl := edit.ParseFileLines(string(raw))
	totalLines := len(fl.Lines)

	var slice []string
	hasMore := false
	nextOffset := 0
	if offset < totalLines {
		end := offset + limit
		if end > totalLines {
			end = totalLines
		}
		slice = fl.Lines[offset:end]
		hasMore = end < totalLines
		nextOffset = end
	}

	var body strings.Builder
	fmt.Fprintf(&body, "path: %s\n", relPath)
	body.WriteString("format: line:hash|content\n")
	fmt.Fprintf(&body, "offset: %d\n", offset)
	fmt.Fprintf(&body, "limit: %d\n", limit)
	fmt.Fprintf(&body, "returned_lines: %d\n", len(slice))
	fmt.Fprintf(&body, "total_lines: %d\n", totalLines)
	fmt.Fprintf(&body, "has_more: %t\n", hasMore)
	if hasMore {
		fmt.Fprintf(&body, "next_offset: %d\n", nextOffset)
	}
	body.WriteString("\n")

	var hashlined strings.Builder
	for i, line := range slice {
		hashlined.WriteString(edit.Hashline(offset+i+1, line))
		hashlined.WriteString("\n")
	}
	body.WriteString(hashlined.String())

	return tools.ExecResult{
		LLMText: body.String(),
		Display: llmstream.DisplayBody{
			Code: hashlined.String(),
			Lang: string(langFromExt(relPath)),
		},
	}, nil
}

// lang is a best-effort syntax-highlighting tag guessed from file extension,
// adapted from the teacher's internal/detectlang extension table (its
// directory-plurality/BFS detection is dropped here — a single-file read
// display only needs the extension map).
type lang string

var extToLang = map[string]lang{
	".go":    "go",
	".rb":    "rb",
	".py":    "py",
	".rs":    "rs",
	".js":    "js",
	".mjs":   "js",
	".cjs":   "js",
	".jsx":   "js",
	".ts":    "ts",
	".tsx":   "ts",
	".java":  "java",
	".c":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".cxx":   "cpp",
	".hpp":   "cpp",
	".hh":    "cpp",
	".hxx":   "cpp",
	".cs":    "cs",
	".csx":   "cs",
	".php":   "php",
	".phtml": "php",
	".swift": "swift",
	".kt":    "kt",
	".kts":   "kt",
	".scala": "scala",
	".m":     "objc",
	".mm":    "objc",
	".sh":    "sh",
	".bash":  "sh",
	".json":  "json",
	".yaml":  "yaml",
	".yml":   "yaml",
	".md":    "md",
}

func langFromExt(path string) lang {
	return extToLang[strings.ToLower(filepath.Ext(path))]
}
