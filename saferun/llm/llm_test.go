package llm

import (
	"context"
	"testing"
	"time"

	"github.com/Officialhomie/saferun-x402-go/saferun/tool"
)

type stubModel struct {
	out ChatOut
	err error
}

func (s stubModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	return s.out, s.err
}

func TestAdapterStepRecordsSideEffectingToolCall(t *testing.T) {
	now := time.Unix(0, 0)
	adapter := NewAdapter(stubModel{out: ChatOut{
		Text:       "done",
		ToolCalls:  []ToolCall{{Name: "write_file", Input: map[string]any{"path": "x"}}},
		TokensUsed: 100,
	}}, nil)
	adapter.Now = func() time.Time { return now }

	out, err := adapter.Step(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if out.APICall == nil {
		t.Fatalf("expected an APICall to be recorded")
	}
	if !out.APICall.HasSideEffects {
		t.Errorf("expected write_file to be classified as side-effecting")
	}
	if out.DecisionTraceLine != "done" {
		t.Errorf("expected the model's text to become the decision trace line, got %q", out.DecisionTraceLine)
	}
	if out.ResourceDelta["tokens_used"] != 100 {
		t.Errorf("expected token usage to be recorded, got %v", out.ResourceDelta)
	}
}

func TestAdapterStepClassifiesReadOnlyTools(t *testing.T) {
	tests := []struct {
		name          string
		sideEffecting bool
	}{
		{"get_status", false},
		{"read_file", false},
		{"list_items", false},
		{"search_docs", false},
		{"write_file", true},
		{"delete_record", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			adapter := NewAdapter(stubModel{out: ChatOut{
				ToolCalls: []ToolCall{{Name: tc.name}},
			}}, nil)

			out, err := adapter.Step(context.Background(), nil, nil)
			if err != nil {
				t.Fatalf("Step: %v", err)
			}
			if out.APICall.HasSideEffects != tc.sideEffecting {
				t.Errorf("%s: HasSideEffects = %v, want %v", tc.name, out.APICall.HasSideEffects, tc.sideEffecting)
			}
		})
	}
}

func TestAdapterStepPropagatesModelError(t *testing.T) {
	adapter := NewAdapter(stubModel{err: errBoom}, nil)
	_, err := adapter.Step(context.Background(), nil, nil)
	if err != errBoom {
		t.Fatalf("expected the model's error to propagate, got %v", err)
	}
}

func TestAdapterStepInvokesRegisteredTool(t *testing.T) {
	mockTool := &tool.MockTool{
		ToolName:  "search_docs",
		Responses: []map[string]interface{}{{"hits": 3}},
	}

	adapter := NewAdapter(stubModel{out: ChatOut{
		ToolCalls: []ToolCall{{Name: "search_docs", Input: map[string]any{"query": "x"}}},
	}}, nil).WithRegistry(mockTool)

	out, err := adapter.Step(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if mockTool.CallCount() != 1 {
		t.Fatalf("expected the registered tool to be invoked once, got %d", mockTool.CallCount())
	}
	result, ok := out.APICall.Result.(map[string]interface{})
	if !ok || result["hits"] != 3 {
		t.Errorf("expected the recorded APICall.Result to be the tool's own output, got %+v", out.APICall.Result)
	}
}

func TestAdapterStepPropagatesRegisteredToolError(t *testing.T) {
	mockTool := &tool.MockTool{ToolName: "search_docs", Err: errBoom}

	adapter := NewAdapter(stubModel{out: ChatOut{
		ToolCalls: []ToolCall{{Name: "search_docs"}},
	}}, nil).WithRegistry(mockTool)

	if _, err := adapter.Step(context.Background(), nil, nil); err == nil {
		t.Fatalf("expected the tool's error to propagate")
	}
}

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
