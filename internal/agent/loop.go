// ABOUTME: Iterative control loop: ask the model, execute requested device tools, repeat.
// ABOUTME: Bounded by max iterations; tool failures are fed back rather than fatal.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tetherhq/tether-gateway/internal/device"
	"github.com/tetherhq/tether-gateway/internal/llm"
	"github.com/tetherhq/tether-gateway/internal/tools"
)

const defaultSystemPrompt = "You are controlling a remote device through tools. " +
	"Use the available tools to complete the user's task step by step. " +
	"When the task is done, reply with a short summary and no further tool calls."

// Config holds the run parameters shared by all runs of a Runner.
type Config struct {
	Provider        string
	Model           string
	MaxIterations   int
	ToolListTimeout time.Duration
	ToolCallTimeout time.Duration
	SystemPrompt    string
}

// Runner starts agent runs against connected devices.
type Runner struct {
	registry *device.Registry
	client   llm.Client
	cfg      Config
	logger   *slog.Logger
}

// NewRunner creates a Runner. Zero config values get working defaults.
func NewRunner(registry *device.Registry, client llm.Client, cfg Config, logger *slog.Logger) *Runner {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.ToolListTimeout <= 0 {
		cfg.ToolListTimeout = 10 * time.Second
	}
	if cfg.ToolCallTimeout <= 0 {
		cfg.ToolCallTimeout = 30 * time.Second
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &Runner{registry: registry, client: client, cfg: cfg, logger: logger}
}

// run is the per-run state: history, iteration count, and the event stream.
type run struct {
	id      string
	task    string
	conn    *device.Conn
	history []llm.ChatMessage
	events  chan Event
	logger  *slog.Logger
}

// emit never blocks: a consumer that stopped draining the stream must not
// pin the run goroutine. Overflow events are dropped; the channel close
// still marks the end of the stream.
func (s *run) emit(ev Event) {
	ev.RunID = s.id
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("run event dropped, consumer not draining",
			"run_id", s.id, "event_type", string(ev.Type))
	}
}

// Run starts a control run for the task on the given device and returns its
// event stream. The stream is finite and closed after the terminal event;
// it is not restartable.
func (r *Runner) Run(ctx context.Context, task, deviceID string) <-chan Event {
	s := &run{
		id:     uuid.New().String(),
		task:   task,
		events: make(chan Event, 32),
		logger: r.logger,
	}

	go func() {
		defer close(s.events)
		s.emit(Event{Type: EventStarted, Task: task})

		conn, ok := r.registry.Get(deviceID)
		if !ok {
			s.emit(Event{Type: EventError, Code: ErrCodeDeviceNotConnected,
				Message: fmt.Sprintf("device %s is not connected", deviceID)})
			return
		}
		s.conn = conn

		defs := conn.Tools()
		if defs == nil {
			loaded, err := tools.Load(ctx, conn, r.cfg.ToolListTimeout)
			if err != nil {
				s.emit(Event{Type: EventError, Code: ErrCodeToolLoadFailed, Message: err.Error()})
				return
			}
			conn.SetTools(loaded)
			defs = loaded
		}
		s.emit(Event{Type: EventToolsLoaded, ToolCount: len(defs)})

		s.history = []llm.ChatMessage{
			{Role: "system", Content: r.cfg.SystemPrompt},
			{Role: "user", Content: task},
		}

		r.iterate(ctx, s, defs)
	}()

	return s.events
}

// iterate runs the bounded observe-decide-act cycle.
func (r *Runner) iterate(ctx context.Context, s *run, defs []tools.FunctionDef) {
	for n := 1; n <= r.cfg.MaxIterations; n++ {
		if ctx.Err() != nil {
			s.emit(Event{Type: EventError, Code: ErrCodeIterationError, Iteration: n,
				Message: ctx.Err().Error()})
			return
		}
		if _, ok := r.registry.Get(s.conn.Identity().ID); !ok {
			s.emit(Event{Type: EventError, Code: ErrCodeDeviceNotConnected, Iteration: n,
				Message: fmt.Sprintf("device %s disconnected", s.conn.Identity().ID)})
			return
		}

		s.emit(Event{Type: EventThinking, Iteration: n})

		resp, err := r.client.Complete(ctx, &llm.CompletionRequest{
			Provider: r.cfg.Provider,
			Model:    r.cfg.Model,
			Messages: llm.ExpandImageMessages(s.history),
			Tools:    defs,
		})
		if err != nil {
			s.emit(Event{Type: EventError, Code: ErrCodeIterationError, Iteration: n,
				Message: err.Error()})
			return
		}
		if len(resp.Choices) == 0 {
			s.emit(Event{Type: EventError, Code: ErrCodeIterationError, Iteration: n,
				Message: "model returned no choices"})
			return
		}

		choice := resp.Choices[0].Message
		if len(choice.ToolCalls) == 0 {
			s.emit(Event{Type: EventCompleted, Iteration: n, Message: choice.Content})
			return
		}

		s.history = append(s.history, llm.ChatMessage{
			Role:      "assistant",
			Content:   choice.Content,
			ToolCalls: choice.ToolCalls,
		})

		// Tool calls run strictly in order: later calls may depend on the
		// screen state produced by earlier ones.
		for _, tc := range choice.ToolCalls {
			r.executeToolCall(ctx, s, n, tc)
		}
	}

	s.emit(Event{Type: EventError, Code: ErrCodeMaxIterationsExceeded,
		Iteration: r.cfg.MaxIterations,
		Message:   fmt.Sprintf("run gave up after %d iterations", r.cfg.MaxIterations)})
}

// executeToolCall invokes one tool on the device and appends its result to
// history keyed by the call id.
func (r *Runner) executeToolCall(ctx context.Context, s *run, iteration int, tc llm.ToolCall) {
	args := parseArguments(tc.Function.Arguments, r.logger)

	s.emit(Event{Type: EventToolCall, Iteration: iteration,
		CallID: tc.ID, ToolName: tc.Function.Name, Arguments: args})

	resultText, isError := r.invoke(ctx, s.conn, tc.Function.Name, args)

	s.emit(Event{Type: EventToolResult, Iteration: iteration,
		CallID: tc.ID, ToolName: tc.Function.Name, Result: resultText, IsError: isError})

	s.history = append(s.history, llm.ChatMessage{
		Role:       "tool",
		ToolCallID: tc.ID,
		Content:    resultText,
	})
}

// invoke performs the tools/call RPC. An absent response becomes a synthetic
// timed-out result so the model can see and react to the failure.
func (r *Runner) invoke(ctx context.Context, conn *device.Conn, name string, args json.RawMessage) (string, bool) {
	params := map[string]any{"name": name, "arguments": args}
	resp, err := conn.Call(ctx, "tools/call", params, r.cfg.ToolCallTimeout)
	if err != nil {
		return "Error: " + err.Error(), true
	}
	if resp == nil {
		return "Error: Tool call timed out", true
	}
	if resp.Error != nil {
		return "Error: " + resp.Error.Message, true
	}
	return renderToolResult(resp.Result)
}

// parseArguments validates the model-supplied argument JSON. Malformed
// arguments degrade to an empty object rather than aborting the run, but
// the degradation is logged so broken model output stays visible.
func parseArguments(raw string, logger *slog.Logger) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return json.RawMessage("{}")
	}
	if !json.Valid([]byte(trimmed)) {
		logger.Warn("malformed tool arguments, substituting empty object", "arguments", raw)
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}

// toolContent mirrors the conventional tools/call result payload.
type toolContent struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
		Data string `json:"data,omitempty"`
	} `json:"content"`
	IsError bool `json:"isError,omitempty"`
}

// renderToolResult flattens a tool result into the stored history form.
// A result containing an image item collapses to the single marker string;
// error results get the "Error: " prefix the loop feeds back to the model.
func renderToolResult(raw json.RawMessage) (string, bool) {
	var parsed toolContent
	if err := json.Unmarshal(raw, &parsed); err != nil || len(parsed.Content) == 0 {
		return string(raw), false
	}

	var texts []string
	for _, item := range parsed.Content {
		switch item.Type {
		case "image":
			return llm.MarkImage(item.Data), parsed.IsError
		case "text":
			texts = append(texts, item.Text)
		}
	}

	text := strings.Join(texts, "\n")
	if parsed.IsError {
		return "Error: " + text, true
	}
	return text, false
}
