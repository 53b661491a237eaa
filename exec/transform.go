package exec

import (
	"context"
	"fmt"
	"time"

	"go.elspeth.dev/audit"
	"go.elspeth.dev/canon"
	"go.elspeth.dev/engine"
)

// Outcome is what an executor hands back to the row processor: either a set
// of downstream branches (continuing token, or forked children) or a
// terminal failure for this attempt.
type Outcome struct {
	StateID  audit.ID
	Branches []engine.Data
	// Err is set when the attempt failed. Retryable mirrors
	// engine.TransformError.Retryable for errors originating in a plugin;
	// it is false for a Recorder failure, which is always fatal to the run.
	Err       error
	Retryable bool
}

// TransformExecutor wraps a single engine.Transform invocation in a NodeState
// per spec.md §4.5.
type TransformExecutor struct {
	Recorder audit.Recorder
}

// Execute begins a NodeState, invokes the plugin under a timing span, and
// completes the state on success or failure. attempt is the 0-based retry
// attempt number; the caller (retry.Manager) is responsible for invoking
// Execute again with attempt+1 on a retryable failure.
func (e *TransformExecutor) Execute(ctx context.Context, node audit.Node, tok engine.TokenRef, stepIndex, attempt int, row engine.Data, plugin engine.Transform) Outcome {
	inputHash, err := hashRow(row)
	if err != nil {
		return Outcome{Err: fmt.Errorf("exec: hash input row: %w", err)}
	}
	contextBefore, err := canon.JSON(map[string]any(row))
	if err != nil {
		return Outcome{Err: fmt.Errorf("exec: encode context_before: %w", err)}
	}

	stateID := newID()
	startedAt := time.Now().UTC()
	if err := e.Recorder.OpenNodeState(ctx, audit.NodeState{
		StateID:       stateID,
		TokenID:       tok.TokenID,
		NodeID:        node.NodeID,
		StepIndex:     stepIndex,
		Attempt:       attempt,
		Status:        audit.StateOpen,
		InputHash:     inputHash,
		ContextBefore: contextBefore,
		StartedAt:     startedAt,
	}); err != nil {
		return Outcome{Err: err}
	}

	pctx := newNodeContext(e.Recorder, node.RunID, node.NodeID, stateID)

	var result engine.TransformResult
	duration, invokeErr := timeSpan(func() error {
		var err error
		result, err = plugin.Process(ctx, pctx, row)
		return err
	})
	completedAt := startedAt.Add(duration)
	durationMs := duration.Milliseconds()

	if invokeErr != nil {
		errJSON, _ := canon.JSON(map[string]any{"message": invokeErr.Error()})
		if closeErr := e.Recorder.CloseNodeState(ctx, stateID, audit.StateFailed, nil, nil, &durationMs, completedAt, errJSON); closeErr != nil {
			return Outcome{StateID: stateID, Err: closeErr}
		}
		return Outcome{StateID: stateID, Err: invokeErr}
	}

	if !result.Success() {
		errJSON, _ := canon.JSON(map[string]any{"reason": result.Err.Reason, "retryable": result.Err.Retryable})
		if closeErr := e.Recorder.CloseNodeState(ctx, stateID, audit.StateFailed, nil, nil, &durationMs, completedAt, errJSON); closeErr != nil {
			return Outcome{StateID: stateID, Err: closeErr}
		}
		return Outcome{StateID: stateID, Err: result.Err, Retryable: result.Err.Retryable}
	}
	if result.Row == nil && len(result.Rows) == 0 {
		// spec.md §8: a plugin returning rows=[] is a contract violation, not
		// a legal "filter the row out" signal — gates, not transforms, drop
		// rows.
		err := fmt.Errorf("exec: transform %s: success result carries zero rows", node.NodeID)
		errJSON, _ := canon.JSON(map[string]any{"message": err.Error()})
		if closeErr := e.Recorder.CloseNodeState(ctx, stateID, audit.StateFailed, nil, nil, &durationMs, completedAt, errJSON); closeErr != nil {
			return Outcome{StateID: stateID, Err: closeErr}
		}
		return Outcome{StateID: stateID, Err: err}
	}

	branches := result.Branches()
	outputHash, err := hashBranches(branches)
	if err != nil {
		return Outcome{StateID: stateID, Err: fmt.Errorf("exec: hash output: %w", err)}
	}
	contextAfter, err := canon.JSON(branchesAsAny(branches))
	if err != nil {
		return Outcome{StateID: stateID, Err: fmt.Errorf("exec: encode context_after: %w", err)}
	}
	if err := e.Recorder.CloseNodeState(ctx, stateID, audit.StateCompleted, &outputHash, contextAfter, &durationMs, completedAt, nil); err != nil {
		return Outcome{StateID: stateID, Err: err}
	}

	return Outcome{StateID: stateID, Branches: branches}
}

func hashBranches(branches []engine.Data) (string, error) {
	return canon.Hash(branchesAsAny(branches))
}

func branchesAsAny(branches []engine.Data) []any {
	out := make([]any, len(branches))
	for i, b := range branches {
		out[i] = map[string]any(b)
	}
	return out
}
