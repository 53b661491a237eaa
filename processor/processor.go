// Package processor drives a single row through its linearized plugin chain,
// maintaining per-row token identity across forks and dispatching each node
// visit to the executor for that node's kind (spec.md §4.10). It is the
// orchestrator's per-row worker: the orchestrator feeds rows in, the
// processor recurses through the pipeline and emits checkpoint events on
// every terminal outcome.
//
// Grounded on workflow/expander.go and workflow/parser.go: both walk a
// linearized step list one step at a time, expanding as they go. Processor
// generalizes that "expand a parsed definition into steps, walk the steps"
// shape from a workflow DSL to a row/token's journey through an audited node
// chain.
package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"go.elspeth.dev/audit"
	"go.elspeth.dev/canon"
	"go.elspeth.dev/engine"
	"go.elspeth.dev/exec"
	"go.elspeth.dev/retry"
)

func newID() audit.ID { return uuid.NewString() }

// Checkpointer is the narrow slice of checkpoint.Tracker the processor needs:
// notification that a token reached a terminal outcome. Declared here (not
// imported from package checkpoint) so processor has no dependency on
// checkpoint's cadence bookkeeping — it only ever reports events.
type Checkpointer interface {
	OnTerminalToken(ctx context.Context, tok engine.TokenRef, nodeID audit.ID) error
}

// noopCheckpointer satisfies Checkpointer when the orchestrator runs without
// checkpointing (cadence off).
type noopCheckpointer struct{}

func (noopCheckpointer) OnTerminalToken(context.Context, engine.TokenRef, audit.ID) error { return nil }

// Processor drives one row at a time through a Pipeline. A single Processor
// instance is safe to share across concurrently processed rows: it holds no
// per-row mutable state itself (the aggregation buffers live in
// exec.AggregationExecutor, locked per node).
type Processor struct {
	Recorder     audit.Recorder
	Transform    *exec.TransformExecutor
	Gate         *exec.GateExecutor
	Aggregation  *exec.AggregationExecutor
	Sink         *exec.SinkExecutor
	Checkpoint   Checkpointer
	RetryManager map[audit.ID]*retry.Manager[exec.Outcome]

	// FailurePolicy runs when a node fails terminally and the node has no
	// FailureDestination configured. It receives the row that failed and may
	// return an error to abort the whole run (RecorderError-style
	// propagation); returning nil lets the run continue with the row
	// considered failed.
	FailurePolicy func(ctx context.Context, node audit.Node, row engine.Data, cause error) error
}

// ProcessRow is the entry point for one row read from the Source: it
// registers the audit Row and its initial Token, then drives that token
// through pipeline starting at the node after the source (spec.md §4.10
// steps 1-2).
func (p *Processor) ProcessRow(ctx context.Context, pipeline engine.Pipeline, sourceNode audit.Node, row engine.Data, rowIndex int64) error {
	sourceHash, err := canon.Hash(map[string]any(row))
	if err != nil {
		return fmt.Errorf("processor: hash source row: %w", err)
	}
	rowID := newID()
	if err := p.Recorder.RecordRow(ctx, audit.Row{
		RowID:          rowID,
		RunID:          sourceNode.RunID,
		SourceNodeID:   sourceNode.NodeID,
		RowIndex:       rowIndex,
		SourceDataHash: sourceHash,
	}); err != nil {
		return fmt.Errorf("processor: record row: %w", err)
	}

	tokenID := newID()
	if err := p.Recorder.RecordToken(ctx, audit.Token{TokenID: tokenID, RowID: rowID}, nil); err != nil {
		return fmt.Errorf("processor: record initial token: %w", err)
	}

	tok := engine.TokenRef{TokenID: tokenID, RowID: rowID}
	return p.advance(ctx, pipeline, 1, tok, row, 0)
}

// ContinueFrom resumes tok/row's journey at pipeline.Nodes[idx] without a
// preceding Row/Token registration — the entry point the orchestrator uses
// for a branch produced by an end-of-source aggregation flush, where the
// token/row audit records already exist by the time the branch is ready to
// advance (spec.md §4.11 step 4).
func (p *Processor) ContinueFrom(ctx context.Context, pipeline engine.Pipeline, idx int, tok engine.TokenRef, row engine.Data) error {
	return p.advance(ctx, pipeline, idx, tok, row, 0)
}

func (p *Processor) checkpointer() Checkpointer {
	if p.Checkpoint != nil {
		return p.Checkpoint
	}
	return noopCheckpointer{}
}

// advance drives tok/row through pipeline.Nodes starting at idx, recursing
// once per fork branch (spec.md §4.10 step 3). step is tok's own
// strictly-increasing step_index counter (invariant 1 in spec.md §8);
// forked children start their own counter at 0, since the invariant is
// scoped per token, not per row.
func (p *Processor) advance(ctx context.Context, pipeline engine.Pipeline, idx int, tok engine.TokenRef, row engine.Data, step int) error {
	if idx >= len(pipeline.Nodes) {
		return p.terminal(ctx, tok, "", row)
	}
	node := pipeline.Nodes[idx]

	switch node.Node.NodeType {
	case audit.NodeTransform:
		return p.advanceTransform(ctx, pipeline, idx, node, tok, row, step)
	case audit.NodeGate:
		return p.advanceGate(ctx, pipeline, idx, node, tok, row, step)
	case audit.NodeAggregation:
		return p.advanceAggregation(ctx, pipeline, idx, node, tok, row)
	case audit.NodeSink:
		return p.dispatchSink(ctx, node, tok, row, step)
	case audit.NodeCoalesce:
		// Multi-producer convergence is an open question in spec.md §9; this
		// pass resolves it as "no engine-level join" (SPEC_FULL.md's sink
		// ordering resolution handles concurrent writers at the sink
		// instead), so a coalesce node is a structural marker the processor
		// passes through unchanged rather than a synchronization point.
		return p.advance(ctx, pipeline, idx+1, tok, row, step+1)
	default:
		return fmt.Errorf("processor: node %s: unsupported node type %q", node.Node.NodeID, node.Node.NodeType)
	}
}

func (p *Processor) advanceTransform(ctx context.Context, pipeline engine.Pipeline, idx int, node engine.PipelineNode, tok engine.TokenRef, row engine.Data, step int) error {
	outcome, err := p.runWithRetry(ctx, node.Node.NodeID, func(ctx context.Context, attempt int) (exec.Outcome, bool, error) {
		o := p.Transform.Execute(ctx, node.Node, tok, step, attempt, row, node.Transform)
		return o, o.Retryable, o.Err
	})
	if err != nil {
		return p.routeFailure(ctx, pipeline, node, tok, row, err)
	}

	branches := outcome.Branches
	if len(branches) == 1 {
		return p.advance(ctx, pipeline, idx+1, tok, branches[0], step+1)
	}
	return p.forkAndAdvance(ctx, pipeline, idx+1, tok, branches)
}

func (p *Processor) advanceGate(ctx context.Context, pipeline engine.Pipeline, idx int, node engine.PipelineNode, tok engine.TokenRef, row engine.Data, step int) error {
	edgesByLabel := make(map[string]engine.Edge, len(pipeline.Edges[node.Node.NodeID]))
	for _, e := range pipeline.Edges[node.Node.NodeID] {
		edgesByLabel[e.Label] = e
	}

	route := p.Gate.Execute(ctx, node.Node, tok, step, row, *node.Gate, edgesByLabel)
	if route.Err != nil {
		return fmt.Errorf("processor: gate %s: %w", node.Node.NodeID, route.Err)
	}
	if len(route.Edges) == 0 {
		// No route matched: the row is filtered out of the pipeline. Not a
		// failure, just a dead end — no further NodeStates for this token.
		return p.terminal(ctx, tok, node.Node.NodeID, row)
	}
	if len(route.Edges) == 1 {
		return p.followEdge(ctx, pipeline, idx, route.Edges[0], tok, row, step)
	}

	branchNames := make([]string, len(route.Edges))
	for i, e := range route.Edges {
		branchNames[i] = e.Label
	}
	newTokenIDs := make([]audit.ID, len(route.Edges))
	for i := range newTokenIDs {
		newTokenIDs[i] = newID()
	}
	children, err := p.Recorder.ForkToken(ctx, tok.TokenID, tok.RowID, branchNames, newTokenIDs)
	if err != nil {
		return fmt.Errorf("processor: fork at gate %s: %w", node.Node.NodeID, err)
	}

	var errs []error
	for i, edge := range route.Edges {
		child := engine.TokenRef{TokenID: children[i].TokenID, RowID: children[i].RowID}
		if err := p.followEdge(ctx, pipeline, idx, edge, child, row.Clone(), 0); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// followEdge proceeds to the next node in sequence ("continue") or dispatches
// directly to a named sink, per spec.md §4.6 step 5.
func (p *Processor) followEdge(ctx context.Context, pipeline engine.Pipeline, gateIdx int, edge engine.Edge, tok engine.TokenRef, row engine.Data, step int) error {
	if edge.Destination == "continue" {
		return p.advance(ctx, pipeline, gateIdx+1, tok, row, step+1)
	}
	sinkIdx, ok := pipeline.Sinks[edge.Destination]
	if !ok {
		return fmt.Errorf("processor: edge %s: no sink named %q", edge.EdgeID, edge.Destination)
	}
	return p.dispatchSink(ctx, pipeline.Nodes[sinkIdx], tok, row, step+1)
}

func (p *Processor) advanceAggregation(ctx context.Context, pipeline engine.Pipeline, idx int, node engine.PipelineNode, tok engine.TokenRef, row engine.Data) error {
	result := p.Aggregation.Accept(ctx, node.Node, *node.AggregationTrig, tok, row, node.Aggregation)
	if result.Err != nil {
		return fmt.Errorf("processor: aggregation %s: %w", node.Node.NodeID, result.Err)
	}
	if !result.Flushed {
		// Row accepted into the batch but no trigger fired; this token's
		// journey suspends here until a later row (or end-of-source) flushes
		// the batch. No checkpoint event: the row is neither written,
		// filtered, nor failed yet.
		return nil
	}
	return p.forkAndAdvance(ctx, pipeline, idx+1, tok, result.Branches)
}

// forkAndAdvance expands a transform or aggregation's multi-row result into
// sibling tokens, one per branch (spec.md §4.5 step 4), continuing each
// through the remaining pipeline.
func (p *Processor) forkAndAdvance(ctx context.Context, pipeline engine.Pipeline, nextIdx int, tok engine.TokenRef, branches []engine.Data) error {
	if len(branches) == 0 {
		return fmt.Errorf("processor: token %s: plugin produced zero branches", tok.TokenID)
	}
	if len(branches) == 1 {
		return p.advance(ctx, pipeline, nextIdx, tok, branches[0], 0)
	}

	branchNames := make([]string, len(branches))
	newTokenIDs := make([]audit.ID, len(branches))
	for i := range branches {
		branchNames[i] = fmt.Sprintf("%d", i)
		newTokenIDs[i] = newID()
	}
	children, err := p.Recorder.ForkToken(ctx, tok.TokenID, tok.RowID, branchNames, newTokenIDs)
	if err != nil {
		return fmt.Errorf("processor: fork expansion: %w", err)
	}

	var errs []error
	for i, child := range children {
		ref := engine.TokenRef{TokenID: child.TokenID, RowID: child.RowID}
		if err := p.advance(ctx, pipeline, nextIdx, ref, branches[i], 0); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Processor) dispatchSink(ctx context.Context, node engine.PipelineNode, tok engine.TokenRef, row engine.Data, step int) error {
	outcome, err := p.runWithRetry(ctx, node.Node.NodeID, func(ctx context.Context, attempt int) (exec.Outcome, bool, error) {
		o := p.Sink.Execute(ctx, node.Node, tok, step, attempt, []engine.Data{row}, node.Sink)
		return o, o.Retryable, o.Err
	})
	if err != nil {
		if p.FailurePolicy != nil {
			if policyErr := p.FailurePolicy(ctx, node.Node, row, err); policyErr != nil {
				return policyErr
			}
		}
	}
	_ = outcome
	return p.terminal(ctx, tok, node.Node.NodeID, row)
}

// routeFailure sends a terminally failed row to its node's configured
// failure destination, if any, otherwise defers to FailurePolicy
// (spec.md §4.9: "routed to failure destination if configured; otherwise the
// run's error policy applies").
func (p *Processor) routeFailure(ctx context.Context, pipeline engine.Pipeline, node engine.PipelineNode, tok engine.TokenRef, row engine.Data, cause error) error {
	if node.FailureDestination != "" {
		if sinkIdx, ok := pipeline.Sinks[node.FailureDestination]; ok {
			return p.dispatchSink(ctx, pipeline.Nodes[sinkIdx], tok, row, 0)
		}
	}
	if p.FailurePolicy != nil {
		if err := p.FailurePolicy(ctx, node.Node, row, cause); err != nil {
			return err
		}
	}
	return p.terminal(ctx, tok, node.Node.NodeID, row)
}

// terminal reports a terminal outcome (written, filtered, or failed) for tok
// to the checkpoint tracker, per spec.md §4.10 step 5.
func (p *Processor) terminal(ctx context.Context, tok engine.TokenRef, nodeID audit.ID, _ engine.Data) error {
	return p.checkpointer().OnTerminalToken(ctx, tok, nodeID)
}

// runWithRetry invokes attempt through node's retry.Manager if one is
// configured, otherwise invokes it once with attempt=0 (retry is opt-in per
// node, spec.md §4.9).
func (p *Processor) runWithRetry(ctx context.Context, nodeID audit.ID, attempt retry.Attempt[exec.Outcome]) (exec.Outcome, error) {
	if mgr, ok := p.RetryManager[nodeID]; ok && mgr != nil {
		return mgr.Do(ctx, attempt)
	}
	outcome, _, err := attempt(ctx, 0)
	if err != nil {
		return outcome, err
	}
	return outcome, nil
}
