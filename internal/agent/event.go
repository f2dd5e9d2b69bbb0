package agent

import "github.com/codalotl/codalotl/internal/llmstream"

// EventType categorises agent events emitted from SendUserMessage.
type EventType string

const (
	EventTypeError                 EventType = "error"
	EventTypeCanceled              EventType = "canceled"
	EventTypeDoneSuccess           EventType = "done_success"
	EventTypeAssistantText         EventType = "assistant_text"
	EventTypeAssistantReasoning    EventType = "assistant_reasoning"
	EventTypeToolCallStart         EventType = "tool_call_start"
	EventTypeToolCallDone          EventType = "tool_call_done"
	EventTypeAssistantTurnComplete EventType = "assistant_turn_complete"
	EventTypeWarning               EventType = "warning"
	EventTypeRetry                 EventType = "retry"
)

// Event conveys progress or status updates from the agent loop.
//
// For every EventTypeToolCallStart carrying some ToolCall.CallID there is
// exactly one later EventTypeToolCallDone carrying the same CallID.
type Event struct {
	Agent AgentMeta

	Type  EventType
	Error error

	TextContent llmstream.TextContent

	ReasoningContent llmstream.ReasoningContent

	Tool string
	// ToolCall's Display is populated before EventTypeToolCallStart is
	// dispatched (input side) and again before EventTypeToolCallDone (result
	// side), mutated in place so both events reference the same record.
	ToolCall   *llmstream.ToolCall
	ToolResult *llmstream.ToolResult

	Turn *llmstream.Turn
}

// AgentMeta carries metadata describing which agent produced an event.
type AgentMeta struct {
	ID    string
	Depth int
}
