// Command saferundemo drives a handful of scripted workflows end to end
// against in-memory sinks, to exercise the orchestrator's checkpoint and
// approval loop without a live LLM provider or x402 facilitator. Each
// checkpoint's ExecutionState is produced by an llm.Adapter wrapping a
// scripted mock.ChatModel, so the model/tool plumbing that a real executor
// would use is actually exercised rather than hand-built inline.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Officialhomie/saferun-x402-go/saferun"
	"github.com/Officialhomie/saferun-x402-go/saferun/artifact"
	"github.com/Officialhomie/saferun-x402-go/saferun/emit"
	"github.com/Officialhomie/saferun-x402-go/saferun/escrow"
	"github.com/Officialhomie/saferun-x402-go/saferun/llm"
	"github.com/Officialhomie/saferun-x402-go/saferun/llm/mock"
	"github.com/Officialhomie/saferun-x402-go/saferun/monitor"
	"github.com/Officialhomie/saferun-x402-go/saferun/supervisor"
	"github.com/Officialhomie/saferun-x402-go/saferun/tool"
)

func main() {
	emitter := emit.NewLogEmitter(os.Stdout, false)
	metrics := saferun.NewPrometheusMetrics(nil)

	orch := saferun.New(
		saferun.WithArtifactSink(artifact.NewMemory()),
		saferun.WithEscrowSink(escrow.NewMemory()),
		saferun.WithMetrics(metrics),
		saferun.WithEmitter(emitter),
	)

	sup := supervisor.New("supervisor-1")
	mon := monitor.New("monitor-1")

	ctx := context.Background()

	log.Println("=== scenario 1: happy path, every checkpoint approved ===")
	if err := runHappyPath(ctx, orch, sup, mon); err != nil {
		log.Fatalf("happy path: %v", err)
	}

	log.Println("=== scenario 2: rejection triggers rollback ===")
	if err := runRejectWithRollback(ctx, orch, sup, mon); err != nil {
		log.Fatalf("reject with rollback: %v", err)
	}

	log.Println("=== scenario 3: modification auto-advances to settlement ===")
	if err := runModification(ctx, orch, sup, mon); err != nil {
		log.Fatalf("modification: %v", err)
	}
}

func checkpoints() []saferun.CheckpointConfig {
	return []saferun.CheckpointConfig{
		{CheckpointID: "cp-1", Name: "gather-requirements", RequiresApproval: true, TimeoutSeconds: 300, CanRollback: true},
		{CheckpointID: "cp-2", Name: "draft-plan", RequiresApproval: true, TimeoutSeconds: 300, CanRollback: true},
		{CheckpointID: "cp-3", Name: "execute-plan", RequiresApproval: true, TimeoutSeconds: 300, CanRollback: true},
	}
}

// newExecutorDriver builds an llm.Adapter scripted to call one tool per
// checkpoint name, backed by a mock.ChatModel and a registry holding both a
// read-only tool and a side-effecting one so the adapter's classification
// logic is exercised against real tool.Tool implementations.
func newExecutorDriver(cps []saferun.CheckpointConfig) *llm.Adapter {
	responses := make([]llm.ChatOut, len(cps))
	for i, cp := range cps {
		responses[i] = llm.ChatOut{
			Text:       fmt.Sprintf("decided to proceed with %s", cp.Name),
			ToolCalls:  []llm.ToolCall{{Name: "write_draft", Input: map[string]any{"checkpoint": cp.Name}}},
			TokensUsed: 120,
		}
	}

	model := &mock.ChatModel{Responses: responses}
	writeTool := &tool.MockTool{
		ToolName:  "write_draft",
		Responses: []map[string]interface{}{{"status": "written"}},
	}
	readTool := &tool.MockTool{
		ToolName:  "read_requirements",
		Responses: []map[string]interface{}{{"requirements": "see ticket"}},
	}

	return llm.NewAdapter(model, []llm.ToolSpec{
		{Name: "write_draft", Description: "persist a draft artifact"},
		{Name: "read_requirements", Description: "fetch source requirements"},
	}).WithRegistry(writeTool, readTool)
}

// checkpointLoop drives a workflow's full AWAITING_APPROVAL cycle for each
// configured checkpoint, calling decide to choose how the supervisor
// responds at each one. It stops as soon as the workflow leaves EXECUTING
// for any reason other than advancing to the next checkpoint. driver
// produces each checkpoint's ExecutionState contribution by stepping an LLM
// driver against the workflow's running memory and message history.
func checkpointLoop(
	ctx context.Context,
	orch *saferun.Orchestrator,
	sup *supervisor.Adapter,
	mon *monitor.Monitor,
	driver llm.Driver,
	workflowID string,
	decide func(checkpointIndex int, checkpointID string) saferun.ApprovalResponse,
) error {
	memory := map[string]any{}
	var history []llm.Message

	for {
		exec, err := orch.Get(workflowID)
		if err != nil {
			return fmt.Errorf("get workflow: %w", err)
		}
		if exec.CurrentState != saferun.StateExecuting {
			return nil
		}

		cp, ok := exec.CurrentCheckpoint()
		if !ok {
			return fmt.Errorf("no current checkpoint at index %d", exec.CurrentCheckpointIndex)
		}

		history = append(history, llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf("advance %s", cp.Name)})
		step, err := driver.Step(ctx, memory, history)
		if err != nil {
			return fmt.Errorf("executor step: %w", err)
		}
		history = append(history, llm.Message{Role: llm.RoleAssistant, Content: step.Text})
		for k, v := range step.MemoryDelta {
			memory[k] = v
		}

		state := saferun.ExecutionState{
			CheckpointID:        cp.CheckpointID,
			Timestamp:           time.Now(),
			AgentMemory:         memory,
			IntermediateOutputs: map[string]any{cp.Name: step.IntermediateOutput},
			DecisionTrace:       []string{step.DecisionTraceLine},
			ResourceConsumption: step.ResourceDelta,
		}
		if step.APICall != nil {
			state.APICalls = []saferun.APICall{*step.APICall}
		}

		snapshot, err := orch.CreateCheckpoint(ctx, workflowID, state)
		if err != nil {
			return fmt.Errorf("create checkpoint: %w", err)
		}

		report := mon.MonitorExecution(state, cp, time.Now())
		req := sup.CreateRequest(workflowID, cp.CheckpointID, snapshot.SnapshotID, state, &report, time.Now())

		approvalReq, err := orch.RequestApproval(workflowID, snapshot.SnapshotID, req.Summary, req.Context)
		if err != nil {
			return fmt.Errorf("request approval: %w", err)
		}

		response := decide(exec.CurrentCheckpointIndex, cp.CheckpointID)
		response.RequestID = approvalReq.RequestID
		if response.ApproverID == "" {
			response.ApproverID = "supervisor-1"
		}

		if err := orch.SubmitApproval(workflowID, response); err != nil {
			return fmt.Errorf("submit approval: %w", err)
		}

		exec, err = orch.Get(workflowID)
		if err != nil {
			return err
		}
		if exec.CurrentState == saferun.StateRollingBack {
			registry, err := orch.RollbackRegistry(workflowID)
			if err != nil {
				return fmt.Errorf("rollback registry: %w", err)
			}
			result := registry.Rollback()
			if err := orch.CompleteRollback(workflowID, result.Success); err != nil {
				return fmt.Errorf("complete rollback: %w", err)
			}
			report := saferun.Reconcile(workflowID, state, response.Rationale, exec.Config.EscrowAmount, exec.Config.EscrowAmount, saferun.DefaultReconciliationConfig(), registry)
			log.Printf("rollback reconciliation: %+v", report)
			return nil
		}
		if exec.CurrentState == saferun.StateFailed {
			log.Printf("workflow %s failed: %s", workflowID, exec.ErrorMessage)
			return nil
		}
	}
}

func settle(ctx context.Context, orch *saferun.Orchestrator, workflowID string) error {
	exec, err := orch.Get(workflowID)
	if err != nil {
		return err
	}
	if exec.CurrentState != saferun.StateSettling {
		return nil
	}
	lastState := saferun.ExecutionState{}
	if n := len(exec.Snapshots); n > 0 {
		lastState = exec.Snapshots[n-1].State
	}
	settlement, err := orch.Settle(ctx, workflowID, lastState)
	if err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	log.Printf("settlement for %s: ratio=%.2f total=%.2f splits=%+v", workflowID, settlement.Ratio, settlement.Total, settlement.Splits)
	return orch.Complete(workflowID)
}

func runHappyPath(ctx context.Context, orch *saferun.Orchestrator, sup *supervisor.Adapter, mon *monitor.Monitor) error {
	workflowID := "wf-happy-path"
	cps := checkpoints()
	config := saferun.NewWorkflowConfig(workflowID, "demo happy path", "every checkpoint approved",
		cps, 100.0, "poster-1", "executor-1", "supervisor-1")

	if _, err := orch.Initialize(config); err != nil {
		return err
	}
	if err := orch.Start(ctx, workflowID); err != nil {
		return err
	}

	driver := newExecutorDriver(cps)
	err := checkpointLoop(ctx, orch, sup, mon, driver, workflowID, func(int, string) saferun.ApprovalResponse {
		return saferun.ApprovalResponse{Decision: saferun.DecisionApproved, Rationale: "looks good, proceed"}
	})
	if err != nil {
		return err
	}

	return settle(ctx, orch, workflowID)
}

func runRejectWithRollback(ctx context.Context, orch *saferun.Orchestrator, sup *supervisor.Adapter, mon *monitor.Monitor) error {
	workflowID := "wf-reject-rollback"
	cps := checkpoints()
	config := saferun.NewWorkflowConfig(workflowID, "demo rejection", "second checkpoint rejected",
		cps, 100.0, "poster-1", "executor-1", "supervisor-1")

	if _, err := orch.Initialize(config); err != nil {
		return err
	}
	if err := orch.Start(ctx, workflowID); err != nil {
		return err
	}

	registry, err := orch.RollbackRegistry(workflowID)
	if err != nil {
		return err
	}
	registry.Register("write-draft-file", saferun.ActionArtifactWrite, map[string]any{"path": "/tmp/draft.txt"}, func(map[string]any) error {
		log.Println("compensating: removing draft file")
		return nil
	})

	driver := newExecutorDriver(cps)
	err = checkpointLoop(ctx, orch, sup, mon, driver, workflowID, func(idx int, checkpointID string) saferun.ApprovalResponse {
		if checkpointID == "cp-2" {
			return saferun.ApprovalResponse{Decision: saferun.DecisionRejected, Rationale: "plan does not match requirements"}
		}
		return saferun.ApprovalResponse{Decision: saferun.DecisionApproved, Rationale: "looks good, proceed"}
	})
	if err != nil {
		return err
	}

	return settle(ctx, orch, workflowID)
}

func runModification(ctx context.Context, orch *saferun.Orchestrator, sup *supervisor.Adapter, mon *monitor.Monitor) error {
	workflowID := "wf-modification"
	cps := checkpoints()
	config := saferun.NewWorkflowConfig(workflowID, "demo modification", "last checkpoint modified",
		cps, 100.0, "poster-1", "executor-1", "supervisor-1")

	if _, err := orch.Initialize(config); err != nil {
		return err
	}
	if err := orch.Start(ctx, workflowID); err != nil {
		return err
	}

	driver := newExecutorDriver(cps)
	err := checkpointLoop(ctx, orch, sup, mon, driver, workflowID, func(idx int, checkpointID string) saferun.ApprovalResponse {
		if checkpointID == cps[len(cps)-1].CheckpointID {
			return saferun.ApprovalResponse{
				Decision:      saferun.DecisionModified,
				Rationale:     "adjust the notes before settling",
				Modifications: map[string]any{"notes": "revised notes from supervisor"},
			}
		}
		return saferun.ApprovalResponse{Decision: saferun.DecisionApproved, Rationale: "looks good, proceed"}
	})
	if err != nil {
		return err
	}

	if restored, ok := orch.RestoredState(workflowID); ok {
		log.Printf("restored state after modification: %+v", restored.AgentMemory)
	}

	return settle(ctx, orch, workflowID)
}
