// Package tools defines the two-phase tool contract the agent turn engine
// dispatches against: a synchronous Prepare step (argument parsing, input
// display rendering) followed by an awaited Execute step (the actual side
// effect). Grounded on the original agent's `ErasedTool::prepare` /
// `PreparedToolCall{input_display, future}` split (agnt-core/src/tool.rs).
package tools

import (
	"context"

	"github.com/codalotl/codalotl/internal/llmstream"
)

// Definition describes a tool's name, description, and JSON-schema-shaped
// parameters, mirroring llmstream.ToolInfo's surface without depending on the
// wire layer's registration concerns.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
	Required    []string
}

// ExecResult is the outcome of awaiting a PreparedCall's Execute function.
type ExecResult struct {
	// LLMText is the text fed back to the model as the tool result.
	LLMText string
	// Display is the result-side UI body, hydrated onto the call's
	// ToolCallDisplay.Result once Execute returns.
	Display llmstream.DisplayBody
	// IsError marks the result as a tool failure; the agent still feeds
	// LLMText back to the model (prefixed "tool error: ") rather than
	// failing the turn.
	IsError bool
}

// PreparedCall is returned synchronously by Prepare. InputDisplay is ready
// immediately, so the caller (the agent turn engine) can emit a "start" event
// before awaiting Execute, which performs the tool's actual side effect.
type PreparedCall struct {
	InputDisplay llmstream.ToolCallDisplay
	Execute      func(ctx context.Context) (ExecResult, error)
}

// Tool is the two-phase contract every workspace tool implements.
type Tool interface {
	Definition() Definition
	Prepare(argsJSON string) (PreparedCall, error)
}

// ErrorResult builds an ExecResult representing a failed tool call, with msg
// as both the LLM-visible text and the display body.
func ErrorResult(msg string) ExecResult {
	return ExecResult{
		LLMText: msg,
		Display: llmstream.DisplayBody{Text: msg},
		IsError: true,
	}
}

// AsLLMStreamTool adapts a two-phase Tool into the wire-registration
// llmstream.Tool interface, so it can be handed to
// llmstream.StreamingConversation.AddTools for schema advertisement. Its Run
// method is a synchronous Prepare+Execute fallback; the agent turn engine
// does not call it directly (it calls Prepare/Execute itself so it can emit
// ToolCallStart between the two phases).
func AsLLMStreamTool(t Tool) llmstream.Tool {
	return llmstreamAdapter{t: t}
}

type llmstreamAdapter struct{ t Tool }

func (a llmstreamAdapter) Name() string { return a.t.Definition().Name }

func (a llmstreamAdapter) Info() llmstream.ToolInfo {
	d := a.t.Definition()
	return llmstream.ToolInfo{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  d.Parameters,
		Required:    d.Required,
	}
}

func (a llmstreamAdapter) Run(ctx context.Context, call llmstream.ToolCall) llmstream.ToolResult {
	prepared, err := a.t.Prepare(call.Input)
	if err != nil {
		return llmstream.NewErrorToolResult(err.Error(), call)
	}
	res, err := prepared.Execute(ctx)
	if err != nil {
		return llmstream.NewErrorToolResult(err.Error(), call)
	}
	return llmstream.ToolResult{
		CallID:  call.CallID,
		Name:    call.Name,
		Type:    call.Type,
		Result:  res.LLMText,
		IsError: res.IsError,
	}
}
