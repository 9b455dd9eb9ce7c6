// Package mock provides a ChatModel test double for exercising the
// orchestrator's checkpoint loop without calling a real provider.
package mock

import (
	"context"
	"sync"

	"github.com/Officialhomie/saferun-x402-go/saferun/llm"
)

// ChatModel returns a configured sequence of responses, repeating the
// last one once exhausted, and records every call it receives.
type ChatModel struct {
	// Responses is the sequence of responses to return, one per call.
	Responses []llm.ChatOut

	// Err, if set, is returned by Chat instead of a response.
	Err error

	// Calls records every invocation of Chat, in order.
	Calls []Call

	mu        sync.Mutex
	callIndex int
}

// Call records a single Chat invocation's arguments.
type Call struct {
	Messages []llm.Message
	Tools    []llm.ToolSpec
}

// Chat implements llm.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolSpec) (llm.ChatOut, error) {
	if ctx.Err() != nil {
		return llm.ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, Call{Messages: messages, Tools: tools})

	if m.Err != nil {
		return llm.ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return llm.ChatOut{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears call history and rewinds the response cursor, for reuse
// across subtests.
func (m *ChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns how many times Chat has been called.
func (m *ChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
