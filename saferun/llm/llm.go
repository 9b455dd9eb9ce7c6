// Package llm provides the executor-facing model abstraction: a Driver
// that advances one checkpoint's worth of work given the workflow's
// running memory and conversation history, plus a ChatModel primitive
// (adapted from the teacher module's graph/model package) that the
// anthropic, openai, and google adapters implement.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/Officialhomie/saferun-x402-go/saferun"
	"github.com/Officialhomie/saferun-x402-go/saferun/tool"
)

// Standard role constants for LLM conversations, matching the conventions
// used by major LLM providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in an LLM conversation.
type Message struct {
	Role    string
	Content string
}

// ToolSpec describes a tool an LLM can call, in JSON-Schema-ish shape.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCall is a request from the LLM to invoke a named tool.
type ToolCall struct {
	Name  string
	Input map[string]any
}

// ChatOut is one provider completion: generated text and/or tool calls.
// InputTokens and OutputTokens are populated from the provider's own usage
// accounting when available; TokensUsed is their sum, kept for callers that
// only care about total volume.
type ChatOut struct {
	Text         string
	ToolCalls    []ToolCall
	TokensUsed   int
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// ChatModel is the narrow per-provider primitive: send messages (and
// optionally tools), get a completion back. anthropic.ChatModel,
// openai.ChatModel, google.ChatModel, and mock.ChatModel all implement
// this; Adapter lifts one of them into a Driver.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Output carries everything one executor step contributes to the
// workflow's ExecutionState: the model's raw completion, any memory it
// wants carried forward, and the bookkeeping the orchestrator folds into
// api_calls, intermediate_outputs, decision_trace, and
// resource_consumption.
type Output struct {
	ChatOut

	MemoryDelta        map[string]any
	APICall            *saferun.APICall
	IntermediateOutput string
	DecisionTraceLine  string
	ResourceDelta      map[string]float64
}

// Driver advances a workflow by one step: given the accumulated memory
// and message history since the last checkpoint, produce the next
// Output. Orchestrator and checkpoint boundaries are the caller's
// concern; Driver implementations are stateless across calls beyond what
// memory and history carry.
type Driver interface {
	Step(ctx context.Context, memory map[string]any, history []Message) (Output, error)
}

// Adapter turns a ChatModel plus a fixed tool set into a Driver: each
// Step sends history to the model as given (memory is not sent to the
// model) and translates the resulting ChatOut into an Output,
// recording an APICall for audit/rollback purposes whenever the model
// requested a tool invocation. When Registry holds an implementation for
// the requested tool name, Step actually invokes it and folds its output
// into the recorded APICall's Result; otherwise the tool call's own Input
// is recorded as a stand-in, for models exercising tools the caller hasn't
// wired an implementation for.
type Adapter struct {
	Model    ChatModel
	Tools    []ToolSpec
	Registry map[string]tool.Tool
	Now      func() time.Time
}

// NewAdapter wraps model as a Driver using tools as its fixed tool set.
func NewAdapter(model ChatModel, tools []ToolSpec) *Adapter {
	return &Adapter{Model: model, Tools: tools, Now: time.Now}
}

// WithRegistry attaches tool implementations, keyed by Name(), that Step
// invokes when the model calls them by name. Returns the adapter for
// chaining.
func (a *Adapter) WithRegistry(tools ...tool.Tool) *Adapter {
	a.Registry = make(map[string]tool.Tool, len(tools))
	for _, t := range tools {
		a.Registry[t.Name()] = t
	}
	return a
}

func (a *Adapter) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Step sends history to the underlying model and shapes the response
// into an Output. A tool call is treated as a side-effecting API call
// (HasSideEffects: true) unless the tool name is "read" or "get", or
// starts with "get_", "read_", "list_" or "search_".
func (a *Adapter) Step(ctx context.Context, memory map[string]any, history []Message) (Output, error) {
	out, err := a.Model.Chat(ctx, history, a.Tools)
	if err != nil {
		return Output{}, err
	}

	result := Output{
		ChatOut: out,
		ResourceDelta: map[string]float64{
			"tokens_used": float64(out.TokensUsed),
			"tokens_in":   float64(out.InputTokens),
			"tokens_out":  float64(out.OutputTokens),
			"cost_usd":    out.CostUSD,
		},
	}

	if out.Text != "" {
		result.DecisionTraceLine = out.Text
	}

	for _, call := range out.ToolCalls {
		sideEffecting := !isReadOnlyTool(call.Name)

		toolResult := call.Input
		if t, ok := a.Registry[call.Name]; ok {
			output, err := t.Call(ctx, call.Input)
			if err != nil {
				return Output{}, fmt.Errorf("tool %s: %w", call.Name, err)
			}
			toolResult = output
		}

		result.APICall = &saferun.APICall{
			ID:             call.Name,
			Timestamp:      a.now(),
			Description:    call.Name,
			HasSideEffects: sideEffecting,
			Result:         toolResult,
		}
		// Only the most recent tool call is surfaced as the step's
		// APICall; a model requesting several tools in one turn is
		// expected to be re-invoked with the prior results appended to
		// history, one call recorded per step.
	}

	return result, nil
}

func isReadOnlyTool(name string) bool {
	if name == "read" || name == "get" {
		return true
	}
	for _, prefix := range []string{"get_", "read_", "list_", "search_"} {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
