package exec

import (
	"context"
	"fmt"
	"time"

	"go.elspeth.dev/audit"
	"go.elspeth.dev/canon"
	"go.elspeth.dev/engine"
)

// GateExecutor implements the config-driven gate node of spec.md §4.6. Gates
// never mutate rows; they only select routes and emit RoutingEvents.
type GateExecutor struct {
	Recorder audit.Recorder
}

// RouteResult is the resolved outcome of one gate evaluation: the selected
// edges (one for a plain route, two or more for a fork) and the reason
// recorded alongside them.
type RouteResult struct {
	StateID ID
	Edges   []engine.Edge
	Reason  engine.ConfigGateReason
	Err     error
}

// ID is a local alias kept for readability in this file's signatures.
type ID = audit.ID

// Execute evaluates cfg.Condition against row, selects the matching routes
// from cfg.Routes (using edgesByLabel to resolve label -> engine.Edge), and
// records one RoutingEvent per selected edge under a shared routing_group_id.
func (e *GateExecutor) Execute(ctx context.Context, node audit.Node, tok engine.TokenRef, stepIndex int, row engine.Data, cfg engine.GateConfig, edgesByLabel map[string]engine.Edge) RouteResult {
	cond, err := ParseCondition(cfg.Condition)
	if err != nil {
		return RouteResult{Err: err}
	}
	matched := cond.Evaluate(row)

	var selected []engine.Edge
	for label, destinations := range cfg.Routes {
		want := label == "true"
		if matched != want {
			continue
		}
		for _, destination := range destinations {
			edge, ok := edgesByLabel[destination]
			if !ok {
				return RouteResult{Err: fmt.Errorf("exec: gate %s: no edge for destination %q", node.NodeID, destination)}
			}
			selected = append(selected, edge)
		}
	}
	if len(selected) > 1 && cfg.Mode != audit.ModeCopy {
		return RouteResult{Err: fmt.Errorf("exec: gate %s: multiple routes selected but mode is %q, not copy", node.NodeID, cfg.Mode)}
	}

	inputHash, err := hashRow(row)
	if err != nil {
		return RouteResult{Err: fmt.Errorf("exec: hash gate input: %w", err)}
	}
	contextBefore, err := canon.JSON(map[string]any(row))
	if err != nil {
		return RouteResult{Err: fmt.Errorf("exec: encode gate context_before: %w", err)}
	}

	stateID := newID()
	startedAt := time.Now().UTC()
	if err := e.Recorder.OpenNodeState(ctx, audit.NodeState{
		StateID:       stateID,
		TokenID:       tok.TokenID,
		NodeID:        node.NodeID,
		StepIndex:     stepIndex,
		Status:        audit.StateOpen,
		InputHash:     inputHash,
		ContextBefore: contextBefore,
		StartedAt:     startedAt,
	}); err != nil {
		return RouteResult{Err: err}
	}

	reason := engine.ConfigGateReason{Condition: cfg.Condition, Result: matched}
	reasonJSON, err := canon.JSON(map[string]any{"condition": reason.Condition, "result": reason.Result})
	if err != nil {
		return RouteResult{StateID: stateID, Err: fmt.Errorf("exec: encode routing reason: %w", err)}
	}
	reasonHash := canon.HashBytes(reasonJSON)

	groupID := newID()
	events := make([]audit.RoutingEvent, len(selected))
	for i, edge := range selected {
		events[i] = audit.RoutingEvent{
			EventID:        newID(),
			StateID:        stateID,
			EdgeID:         edge.EdgeID,
			RoutingGroupID: groupID,
			Ordinal:        i,
			Mode:           edge.Mode,
			ReasonHash:     reasonHash,
		}
	}
	if len(events) > 0 {
		if err := e.Recorder.RecordRoutingEvents(ctx, events); err != nil {
			return RouteResult{StateID: stateID, Err: err}
		}
	}

	completedAt := time.Now().UTC()
	outputHash := inputHash // gates never mutate rows
	durationMs := completedAt.Sub(startedAt).Milliseconds()
	if err := e.Recorder.CloseNodeState(ctx, stateID, audit.StateCompleted, &outputHash, contextBefore, &durationMs, completedAt, nil); err != nil {
		return RouteResult{StateID: stateID, Err: err}
	}

	return RouteResult{StateID: stateID, Edges: selected, Reason: reason}
}
