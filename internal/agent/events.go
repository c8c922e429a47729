// ABOUTME: Run lifecycle event types emitted by the agent loop.
// ABOUTME: Events are produced once, never mutated, and consumed as a finite stream.

package agent

import "encoding/json"

// EventType discriminates run events.
type EventType string

const (
	EventStarted     EventType = "started"
	EventToolsLoaded EventType = "tools_loaded"
	EventThinking    EventType = "thinking"
	EventToolCall    EventType = "tool_call"
	EventToolResult  EventType = "tool_result"
	EventCompleted   EventType = "completed"
	EventError       EventType = "error"
)

// Error codes carried by EventError.
const (
	ErrCodeDeviceNotConnected    = "DEVICE_NOT_CONNECTED"
	ErrCodeMaxIterationsExceeded = "MAX_ITERATIONS_EXCEEDED"
	ErrCodeIterationError        = "ITERATION_ERROR"
	ErrCodeToolLoadFailed        = "TOOL_LOAD_FAILED"
)

// Event is one unit of a run's externally observable progress. Every event
// carries the run ID; the remaining fields depend on Type.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Iteration int       `json:"iteration,omitempty"`

	// EventStarted / EventCompleted / EventError
	Task    string `json:"task,omitempty"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`

	// EventToolsLoaded
	ToolCount int `json:"tool_count,omitempty"`

	// EventToolCall / EventToolResult
	CallID    string          `json:"call_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}
