package edit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codalotl/codalotl/internal/llmstream"
	"github.com/codalotl/codalotl/internal/tools"
)

const ToolNameEdit = "edit"

const descriptionEdit = "Apply an ordered list of hashline-anchored edit operations to one workspace file. Anchors come from a prior `read` call's `line:hash` tags. All operations in one call apply to the same file and either all succeed or the call fails with no changes persisted."

type toolEdit struct {
	cwd string
}

// NewEditTool returns the structured, hashline-anchored `edit` tool, operating
// relative to cwd.
func NewEditTool(cwd string) tools.Tool {
	return &toolEdit{cwd: cwd}
}

// opKind names one of the 9 supported edit operations.
type opKind string

const (
	opReplace      opKind = "replace"
	opInsertBefore opKind = "insert_before"
	opInsertAfter  opKind = "insert_after"
	opDelete       opKind = "delete"
	opReplaceRange opKind = "replace_range"
	opDeleteRange  opKind = "delete_range"
	opRewriteFile  opKind = "rewrite_file"
	opMoveFile     opKind = "move_file"
	opDeleteFile   opKind = "delete_file"
)

// operation is one entry of the operations array. Only the fields relevant to
// Op are populated by the caller; the rest are validated per-kind.
type operation struct {
	Op      opKind `json:"op"`
	Anchor  string `json:"anchor,omitempty"`
	Start   string `json:"start,omitempty"`
	End     string `json:"end,omitempty"`
	Content string `json:"content,omitempty"`
	To      string `json:"to,omitempty"`
}

type editParams struct {
	Path       string      `json:"path"`
	Operations []operation `json:"operations"`
}

func (t *toolEdit) Definition() tools.Definition {
	anchorProp := map[string]any{"type": "string", "description": "Hashline anchor in line:hash format"}
	contentProp := map[string]any{"type": "string", "description": "Replacement content (multi-line allowed)"}
	insertContentProp := map[string]any{"type": "string", "description": "Content to insert (multi-line allowed)"}

	variant := func(op string, props map[string]any, required []string) map[string]any {
		properties := map[string]any{
			"op": map[string]any{"type": "string", "enum": []string{op}},
		}
		for k, v := range props {
			properties[k] = v
		}
		return map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"properties":           properties,
			"required":             append([]string{"op"}, required...),
		}
	}

	oneOf := []any{
		variant(string(opReplace), map[string]any{"anchor": anchorProp, "content": contentProp}, []string{"anchor", "content"}),
		variant(string(opInsertBefore), map[string]any{"anchor": anchorProp, "content": insertContentProp}, []string{"anchor", "content"}),
		variant(string(opInsertAfter), map[string]any{"anchor": anchorProp, "content": insertContentProp}, []string{"anchor", "content"}),
		variant(string(opDelete), map[string]any{"anchor": anchorProp}, []string{"anchor"}),
		variant(string(opReplaceRange), map[string]any{
			"start":   map[string]any{"type": "string", "description": "Start hashline anchor in line:hash format"},
			"end":     map[string]any{"type": "string", "description": "End hashline anchor in line:hash format"},
			"content": contentProp,
		}, []string{"start", "end", "content"}),
		variant(string(opDeleteRange), map[string]any{
			"start": map[string]any{"type": "string", "description": "Start hashline anchor in line:hash format"},
			"end":   map[string]any{"type": "string", "description": "End hashline anchor in line:hash format"},
		}, []string{"start", "end"}),
		variant(string(opRewriteFile), map[string]any{"content": map[string]any{"type": "string", "description": "Full file content to write"}}, []string{"content"}),
		variant(string(opMoveFile), map[string]any{"to": map[string]any{"type": "string", "description": "Destination path, relative to the working directory"}}, []string{"to"}),
		variant(string(opDeleteFile), map[string]any{}, nil),
	}

	return tools.Definition{
		Name:        ToolNameEdit,
		Description: descriptionEdit,
		Parameters: map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path to edit, relative to the working directory",
			},
			"operations": map[string]any{
				"type":        "array",
				"description": "Ordered list of edit operations",
				"items": map[string]any{
					"oneOf": oneOf,
				},
			},
		},
		Required: []string{"path", "operations"},
	}
}

func (t *toolEdit) Prepare(argsJSON string) (tools.PreparedCall, error) {
	var params editParams
	if err := json.Unmarshal([]byte(argsJSON), &params); err != nil {
		return tools.PreparedCall{}, fmt.Errorf("error parsing parameters: %w", err)
	}
	if len(params.Operations) == 0 {
		return tools.PreparedCall{}, fmt.Errorf("operations must contain at least one entry")
	}
	path := strings.TrimSpace(params.Path)
	if path == "" {
		return tools.PreparedCall{}, fmt.Errorf("path cannot be empty")
	}
	for idx, op := range params.Operations {
		if err := validateOperation(op); err != nil {
			return tools.PreparedCall{}, fmt.Errorf("operation %d (%s): %w", idx+1, op.Op, err)
		}
	}

	ops := params.Operations

	return tools.PreparedCall{
		InputDisplay: llmstream.ToolCallDisplay{
			Title: fmt.Sprintf("Edit %s (%d operations)", path, len(ops)),
		},
		Execute: func(ctx context.Context) (tools.ExecResult, error) {
			return t.execute(path, ops)
		},
	}, nil
}

func validateOperation(op operation) error {
	switch op.Op {
	case opReplace, opInsertBefore, opInsertAfter:
		if op.Anchor == "" {
			return fmt.Errorf("anchor is required")
		}
	case opDelete:
		if op.Anchor == "" {
			return fmt.Errorf("anchor is required")
		}
	case opReplaceRange:
		if op.Start == "" || op.End == "" {
			return fmt.Errorf("start and end are required")
		}
	case opDeleteRange:
		if op.Start == "" || op.End == "" {
			return fmt.Errorf("start and end are required")
		}
	case opRewriteFile:
		// content may legitimately be empty (rewriting to an empty file).
	case opMoveFile:
		if strings.TrimSpace(op.To) == "" {
			return fmt.Errorf("to is required")
		}
	case opDeleteFile:
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
	return nil
}

// editState mirrors the original's EditState: the in-flight buffer for one
// file across an ordered batch of operations, tracking whether the path
// itself changed (move_file) separately from the buffer's content.
type editState struct {
	cwd                string
	inputPath          string
	currentPath        string
	initialFileExisted bool
	file               *FileLines
}

func loadEditState(cwd, path string) (*editState, error) {
	absPath := filepath.Join(cwd, path)
	file, err := readFileIfExists(absPath)
	if err != nil {
		return nil, err
	}
	return &editState{
		cwd:                cwd,
		inputPath:          path,
		currentPath:        path,
		initialFileExisted: file != nil,
		file:               file,
	}, nil
}

func (s *editState) persist() error {
	inputAbs := filepath.Join(s.cwd, s.inputPath)
	finalAbs := filepath.Join(s.cwd, s.currentPath)
	moved := inputAbs != finalAbs

	if s.file == nil {
		if s.initialFileExisted {
			return removeFileIfExists(inputAbs)
		}
		return nil
	}

	if moved {
		exists, err := pathExists(finalAbs)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("destination already exists: %s", s.currentPath)
		}
	}

	if len(s.file.Lines) == 0 {
		s.file.TrailingNewline = false
	}

	if parent := filepath.Dir(finalAbs); parent != "." {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("%s: %w", parent, err)
		}
	}

	if err := os.WriteFile(finalAbs, []byte(s.file.Render()), 0o644); err != nil {
		return fmt.Errorf("%s: %w", finalAbs, err)
	}

	if moved && s.initialFileExisted {
		return removeFileIfExists(inputAbs)
	}
	return nil
}

func readFileIfExists(path string) (*FileLines, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	fl := ParseFileLines(string(raw))
	return &fl, nil
}

func pathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("%s: %w", path, err)
}

func removeFileIfExists(path string) error {
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("%s: %w", path, err)
}

func snapshotState(s *editState) fileSnapshot {
	if s.file == nil {
		return fileSnapshot{path: s.currentPath, exists: false}
	}
	return fileSnapshot{path: s.currentPath, exists: true, lines: append([]string(nil), s.file.Lines...)}
}

func applyOperation(op operation, s *editState) error {
	switch op.Op {
	case opReplace, opInsertBefore, opInsertAfter, opDelete, opReplaceRange, opDeleteRange:
		if s.file == nil {
			return fmt.Errorf("`%s` does not exist", s.currentPath)
		}
		return applyLineOperation(op, &s.file.Lines)
	case opRewriteFile:
		fl := ParseFileLines(op.Content)
		s.file = &fl
		return nil
	case opMoveFile:
		if s.file == nil {
			return fmt.Errorf("cannot move missing file `%s`", s.currentPath)
		}
		destination := strings.TrimSpace(op.To)
		if destination == "" {
			return fmt.Errorf("destination path cannot be empty")
		}
		s.currentPath = destination
		return nil
	case opDeleteFile:
		if s.file == nil {
			return fmt.Errorf("cannot delete missing file `%s`", s.currentPath)
		}
		s.file = nil
		return nil
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
}

func applyLineOperation(op operation, lines *[]string) error {
	switch op.Op {
	case opReplace:
		idx, err := ResolveAnchor(op.Anchor, *lines)
		if err != nil {
			return err
		}
		*lines = spliceReplace(*lines, idx, idx+1, ReplacementLines(op.Content))
	case opInsertBefore:
		idx, err := ResolveAnchor(op.Anchor, *lines)
		if err != nil {
			return err
		}
		*lines = spliceReplace(*lines, idx, idx, ReplacementLines(op.Content))
	case opInsertAfter:
		idx, err := ResolveAnchor(op.Anchor, *lines)
		if err != nil {
			return err
		}
		*lines = spliceReplace(*lines, idx+1, idx+1, ReplacementLines(op.Content))
	case opDelete:
		idx, err := ResolveAnchor(op.Anchor, *lines)
		if err != nil {
			return err
		}
		*lines = spliceReplace(*lines, idx, idx+1, nil)
	case opReplaceRange:
		startIdx, endIdx, err := resolveRange(op.Start, op.End, *lines)
		if err != nil {
			return err
		}
		*lines = spliceReplace(*lines, startIdx, endIdx+1, ReplacementLines(op.Content))
	case opDeleteRange:
		startIdx, endIdx, err := resolveRange(op.Start, op.End, *lines)
		if err != nil {
			return err
		}
		*lines = spliceReplace(*lines, startIdx, endIdx+1, nil)
	default:
		return fmt.Errorf("unreachable: file-level operation routed to line-operation handler")
	}
	return nil
}

// spliceReplace replaces lines[start:end] with replacement, mirroring Rust's
// Vec::splice semantics.
func spliceReplace(lines []string, start, end int, replacement []string) []string {
	out := make([]string, 0, len(lines)-(end-start)+len(replacement))
	out = append(out, lines[:start]...)
	out = append(out, replacement...)
	out = append(out, lines[end:]...)
	return out
}

func resolveRange(start, end string, lines []string) (int, int, error) {
	startIdx, err := ResolveAnchor(start, lines)
	if err != nil {
		return 0, 0, err
	}
	endIdx, err := ResolveAnchor(end, lines)
	if err != nil {
		return 0, 0, err
	}
	if startIdx > endIdx {
		return 0, 0, fmt.Errorf("range anchors are reversed (`%s` resolves after `%s`)", start, end)
	}
	return startIdx, endIdx, nil
}

func (t *toolEdit) execute(path string, ops []operation) (tools.ExecResult, error) {
	state, err := loadEditState(t.cwd, path)
	if err != nil {
		return tools.ErrorResult(err.Error()), nil
	}

	initialSnapshot := snapshotState(state)

	for idx, op := range ops {
		if err := applyOperation(op, state); err != nil {
			msg := fmt.Sprintf("operation %d (%s) failed: %s", idx+1, op.Op, err.Error())
			return tools.ErrorResult(msg), nil
		}
	}

	deleted := state.file == nil
	finalPath := state.currentPath
	finalSnapshot := snapshotState(state)
	finalDiff := renderUnifiedHashlineDiff(initialSnapshot, finalSnapshot)

	if err := state.persist(); err != nil {
		return tools.ErrorResult(err.Error()), nil
	}

	var summary string
	switch {
	case deleted:
		summary = fmt.Sprintf("deleted %s", finalPath)
	case state.inputPath != finalPath:
		summary = fmt.Sprintf("edited %s -> %s with %d operation(s)", state.inputPath, finalPath, len(ops))
	default:
		summary = fmt.Sprintf("edited %s with %d operation(s)", finalPath, len(ops))
	}

	llmText := summary
	if finalDiff != "" {
		llmText = fmt.Sprintf("%s\n\nfinal diff (hashline-formatted):\n%s", summary, finalDiff)
	}

	return tools.ExecResult{
		LLMText: llmText,
		Display: llmstream.DisplayBody{Diff: finalDiff},
	}, nil
}
