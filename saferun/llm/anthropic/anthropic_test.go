package anthropic

import (
	"context"
	"errors"
	"testing"

	"github.com/Officialhomie/saferun-x402-go/saferun/llm"
)

func TestNewChatModel(t *testing.T) {
	t.Run("creates model with explicit name", func(t *testing.T) {
		m := NewChatModel("test-api-key", "claude-3-opus-20240229")
		if m.modelName != "claude-3-opus-20240229" {
			t.Errorf("expected requested model name, got %q", m.modelName)
		}
	})

	t.Run("falls back to default model name", func(t *testing.T) {
		m := NewChatModel("test-api-key", "")
		if m.modelName == "" {
			t.Error("expected a non-empty default model name")
		}
	})
}

func TestChatModelChat(t *testing.T) {
	t.Run("sends messages and returns response", func(t *testing.T) {
		mockClient := &mockAnthropicClient{response: "Hello from Claude"}
		m := &ChatModel{client: mockClient, modelName: "claude-3-opus-20240229"}

		out, err := m.Chat(context.Background(), []llm.Message{
			{Role: llm.RoleUser, Content: "Hi there!"},
		}, nil)
		if err != nil {
			t.Fatalf("Chat: %v", err)
		}
		if out.Text != "Hello from Claude" {
			t.Errorf("expected text to pass through, got %q", out.Text)
		}
		if mockClient.callCount != 1 {
			t.Errorf("expected 1 API call, got %d", mockClient.callCount)
		}
	})

	t.Run("handles tool calls in response", func(t *testing.T) {
		mockClient := &mockAnthropicClient{
			toolCalls: []llm.ToolCall{{Name: "search_docs", Input: map[string]interface{}{"query": "x"}}},
		}
		m := &ChatModel{client: mockClient, modelName: "claude-3-opus-20240229"}

		out, err := m.Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "go look"}},
			[]llm.ToolSpec{{Name: "search_docs"}})
		if err != nil {
			t.Fatalf("Chat: %v", err)
		}
		if len(out.ToolCalls) != 1 || out.ToolCalls[0].Name != "search_docs" {
			t.Fatalf("expected the tool call to pass through, got %+v", out.ToolCalls)
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		m := &ChatModel{client: &mockAnthropicClient{response: "unused"}, modelName: "claude-3-opus-20240229"}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if _, err := m.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: "Test"}}, nil); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("extracts system prompt separately from conversation", func(t *testing.T) {
		mockClient := &mockAnthropicClient{response: "ok"}
		m := &ChatModel{client: mockClient, modelName: "claude-3-opus-20240229"}

		_, err := m.Chat(context.Background(), []llm.Message{
			{Role: llm.RoleSystem, Content: "You are helpful"},
			{Role: llm.RoleUser, Content: "User message"},
		}, nil)
		if err != nil {
			t.Fatalf("Chat: %v", err)
		}
		if mockClient.systemPrompt != "You are helpful" {
			t.Errorf("expected system prompt extracted, got %q", mockClient.systemPrompt)
		}
		if len(mockClient.lastMessages) != 1 {
			t.Errorf("expected only the user message to remain, got %d", len(mockClient.lastMessages))
		}
	})

	t.Run("translates anthropicError through errors.As", func(t *testing.T) {
		mockClient := &mockAnthropicClient{err: &anthropicError{Type: "overloaded_error", Message: "overloaded"}}
		m := &ChatModel{client: mockClient, modelName: "claude-3-opus-20240229"}

		_, err := m.Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "Test"}}, nil)
		var got *anthropicError
		if !errors.As(err, &got) {
			t.Fatalf("expected anthropicError, got %T", err)
		}
		if got.Type != "overloaded_error" {
			t.Errorf("expected type preserved, got %q", got.Type)
		}
	})

	t.Run("rejects an empty API key", func(t *testing.T) {
		m := NewChatModel("", "claude-3-opus-20240229")
		if _, err := m.Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "Test"}}, nil); err == nil {
			t.Error("expected an error for a missing API key")
		}
	})

	t.Run("stamps CostUSD and records against an attached tracker", func(t *testing.T) {
		mockClient := &mockAnthropicClient{response: "priced", inputTokens: 1_000_000, outputTokens: 1_000_000}
		tracker := llm.NewCostTracker("wf-1", "USD")
		m := (&ChatModel{client: mockClient, modelName: "claude-3-5-sonnet-20241022"}).WithCostTracker(tracker)

		out, err := m.Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "Test"}}, nil)
		if err != nil {
			t.Fatalf("Chat: %v", err)
		}
		wantCost := llm.DefaultModelPricing["claude-3-5-sonnet-20241022"].InputPer1M + llm.DefaultModelPricing["claude-3-5-sonnet-20241022"].OutputPer1M
		if out.CostUSD != wantCost {
			t.Errorf("expected CostUSD %v, got %v", wantCost, out.CostUSD)
		}
		if tracker.TotalCost() != wantCost {
			t.Errorf("expected the tracker to record the same cost, got %v", tracker.TotalCost())
		}
	})
}

type mockAnthropicClient struct {
	response     string
	toolCalls    []llm.ToolCall
	inputTokens  int
	outputTokens int
	err          error
	callCount    int
	lastMessages []llm.Message
	systemPrompt string
}

func (m *mockAnthropicClient) createMessage(_ context.Context, systemPrompt string, messages []llm.Message, _ []llm.ToolSpec) (llm.ChatOut, error) {
	m.callCount++
	m.lastMessages = messages
	m.systemPrompt = systemPrompt

	if m.err != nil {
		return llm.ChatOut{}, m.err
	}

	return llm.ChatOut{
		Text:         m.response,
		ToolCalls:    m.toolCalls,
		InputTokens:  m.inputTokens,
		OutputTokens: m.outputTokens,
		TokensUsed:   m.inputTokens + m.outputTokens,
	}, nil
}
