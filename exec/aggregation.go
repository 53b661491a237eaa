package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.elspeth.dev/audit"
	"go.elspeth.dev/canon"
	"go.elspeth.dev/engine"
)

// aggregateMember is one token/row pair buffered at an aggregation node,
// waiting on a trigger.
type aggregateMember struct {
	tok engine.TokenRef
	row engine.Data
}

// nodeBuffer is the per-node accumulation state for one aggregation node,
// the aggregation analogue of statemanager.Manager's per-operation entries.
type nodeBuffer struct {
	batch     audit.Batch
	members   []aggregateMember
	firstSeen time.Time
}

// AggregationExecutor buffers tokens per aggregation node and flushes them as
// a Batch through engine.Aggregation once a trigger fires, per spec.md §4.7.
// One AggregationExecutor instance is shared by every row of a run, so its
// buffers are locked the way statemanager.Manager locks its operations map.
type AggregationExecutor struct {
	Recorder audit.Recorder

	// Fence is an optional best-effort distributed lock taken around a
	// batch's flush, keyed by batch_id; nil disables it (see Fence's doc
	// comment in fence.go).
	Fence Fence

	mu      sync.Mutex
	buffers map[audit.ID]*nodeBuffer
}

// NewAggregationExecutor constructs an AggregationExecutor ready to accept
// rows for any number of aggregation nodes.
func NewAggregationExecutor(recorder audit.Recorder) *AggregationExecutor {
	return &AggregationExecutor{Recorder: recorder, buffers: make(map[audit.ID]*nodeBuffer)}
}

// FlushResult is what Accept/FlushEndOfSource hands back when a flush happened this
// call; Flushed is false when the row was only buffered.
type FlushResult struct {
	Flushed  bool
	Branches []engine.Data
	Err      error
}

// Accept adds tok/row to node's buffer (durably, via AddBatchMember, before
// returning) and evaluates trig's triggers, flushing immediately if any
// fires.
func (e *AggregationExecutor) Accept(ctx context.Context, node audit.Node, trig engine.AggregationTrigger, tok engine.TokenRef, row engine.Data, plugin engine.Aggregation) FlushResult {
	e.mu.Lock()
	buf, ok := e.buffers[node.NodeID]
	if !ok {
		batch, err := e.openBatch(ctx, node.RunID, node.NodeID)
		if err != nil {
			e.mu.Unlock()
			return FlushResult{Err: err}
		}
		buf = &nodeBuffer{batch: batch, firstSeen: time.Now()}
		e.buffers[node.NodeID] = buf
	}

	ordinal := len(buf.members)
	if err := e.Recorder.AddBatchMember(ctx, audit.BatchMember{BatchID: buf.batch.BatchID, TokenID: tok.TokenID, Ordinal: ordinal}); err != nil {
		e.mu.Unlock()
		return FlushResult{Err: err}
	}
	buf.members = append(buf.members, aggregateMember{tok: tok, row: row})

	reason, fired := e.evaluateTriggers(buf, trig, row)
	if !fired {
		e.mu.Unlock()
		return FlushResult{}
	}
	delete(e.buffers, node.NodeID)
	e.mu.Unlock()

	return e.flush(ctx, node, buf, reason, plugin)
}

// FlushEndOfSource flushes node's current buffer, if non-empty, with
// trigger_reason="end_of_source". It is a no-op if nothing is buffered.
func (e *AggregationExecutor) FlushEndOfSource(ctx context.Context, node audit.Node, plugin engine.Aggregation) FlushResult {
	e.mu.Lock()
	buf, ok := e.buffers[node.NodeID]
	if !ok || len(buf.members) == 0 {
		e.mu.Unlock()
		return FlushResult{}
	}
	delete(e.buffers, node.NodeID)
	e.mu.Unlock()

	return e.flush(ctx, node, buf, "end_of_source", plugin)
}

// RestoreBatch re-installs an in-progress batch as node's current batch on
// resume. rows, when non-nil, is the buffered row content recovered from the
// crashed flush attempt's NodeState.context_before (spec.md §4.7
// "restore_batch... repopulates member count from BatchMembers"); its length
// must match members or it is ignored and each member's row is left empty,
// which only ever happens for a batch that crashed before its first flush
// attempt ever opened a NodeState (no row content was ever durably recorded
// for it — see DESIGN.md's aggregation-executor entry).
func (e *AggregationExecutor) RestoreBatch(node audit.Node, batch audit.Batch, members []audit.BatchMember, rows []engine.Data) {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := &nodeBuffer{batch: batch, firstSeen: time.Now()}
	buf.members = make([]aggregateMember, len(members))
	for i, m := range members {
		buf.members[i].tok = engine.TokenRef{TokenID: m.TokenID, RowID: ""}
		if len(rows) == len(members) {
			buf.members[i].row = rows[i]
		}
	}
	e.buffers[node.NodeID] = buf
}

// acquireFlushFence best-effort acquires e.Fence's lock for batchID before
// invoking the plugin. A nil Fence, a SetNX that finds the key already held,
// or a Redis error all degrade to "proceed without fencing": the flush goes
// ahead either way, and the Postgres draft -> executing batch transition
// below is what rejects a second flush of the same batch.
func (e *AggregationExecutor) acquireFlushFence(ctx context.Context, batchID audit.ID) (release func(), ok bool) {
	if e.Fence == nil {
		return nil, false
	}
	acquired, err := e.Fence.SetNX(ctx, fenceKey(batchID), "1", 5*time.Minute)
	if err != nil || !acquired {
		return nil, false
	}
	return func() { _, _ = e.Fence.Del(ctx, fenceKey(batchID)) }, true
}

func (e *AggregationExecutor) openBatch(ctx context.Context, runID, nodeID audit.ID) (audit.Batch, error) {
	batch := audit.Batch{
		BatchID:           newID(),
		RunID:             runID,
		AggregationNodeID: nodeID,
		Attempt:           0,
		Status:            audit.BatchDraft,
		CreatedAt:         time.Now().UTC(),
	}
	if err := e.Recorder.OpenBatch(ctx, batch); err != nil {
		return audit.Batch{}, err
	}
	return batch, nil
}

// evaluateTriggers checks COUNT, TIMEOUT, and CONDITION against buf's current
// state. CONDITION is evaluated against the row just accepted, matching the
// per-row accept path in spec.md §4.7 ("evaluate triggers" after each add).
func (e *AggregationExecutor) evaluateTriggers(buf *nodeBuffer, trig engine.AggregationTrigger, lastRow engine.Data) (string, bool) {
	if trig.Count > 0 && len(buf.members) >= trig.Count {
		return "count", true
	}
	if trig.Timeout > 0 && time.Since(buf.firstSeen) >= trig.Timeout {
		return "timeout", true
	}
	if trig.Condition != "" {
		cond, err := ParseCondition(trig.Condition)
		if err == nil && cond.Evaluate(lastRow) {
			return "condition", true
		}
	}
	return "", false
}

func (e *AggregationExecutor) flush(ctx context.Context, node audit.Node, buf *nodeBuffer, reason string, plugin engine.Aggregation) FlushResult {
	if release, ok := e.acquireFlushFence(ctx, buf.batch.BatchID); ok {
		defer release()
	}

	if err := e.Recorder.TransitionBatch(ctx, buf.batch.BatchID, audit.BatchExecuting, nil); err != nil {
		return FlushResult{Err: err}
	}

	rows := make([]engine.Data, len(buf.members))
	for i, m := range buf.members {
		rows[i] = m.row
	}
	rowsAny := make([]any, len(rows))
	for i, r := range rows {
		rowsAny[i] = map[string]any(r)
	}

	inputHash, err := canon.Hash(rowsAny)
	if err != nil {
		return FlushResult{Err: fmt.Errorf("exec: hash batch input: %w", err)}
	}
	contextBefore, err := canon.JSON(rowsAny)
	if err != nil {
		return FlushResult{Err: fmt.Errorf("exec: encode batch context_before: %w", err)}
	}

	representative := buf.members[0].tok
	stateID := newID()
	startedAt := time.Now().UTC()
	if err := e.Recorder.OpenNodeState(ctx, audit.NodeState{
		StateID:       stateID,
		TokenID:       representative.TokenID,
		NodeID:        node.NodeID,
		Attempt:       buf.batch.Attempt,
		Status:        audit.StateOpen,
		InputHash:     inputHash,
		ContextBefore: contextBefore,
		StartedAt:     startedAt,
	}); err != nil {
		return FlushResult{Err: err}
	}

	pctx := newNodeContext(e.Recorder, node.RunID, node.NodeID, stateID)

	var result engine.TransformResult
	duration, invokeErr := timeSpan(func() error {
		var err error
		result, err = plugin.Flush(ctx, pctx, rows)
		return err
	})
	completedAt := startedAt.Add(duration)
	durationMs := duration.Milliseconds()

	if invokeErr != nil || !result.Success() {
		var errJSON []byte
		if invokeErr != nil {
			errJSON, _ = canon.JSON(map[string]any{"message": invokeErr.Error()})
		} else {
			errJSON, _ = canon.JSON(map[string]any{"reason": result.Err.Reason, "retryable": result.Err.Retryable})
		}
		if err := e.Recorder.CloseNodeState(ctx, stateID, audit.StateFailed, nil, nil, &durationMs, completedAt, errJSON); err != nil {
			return FlushResult{Err: err}
		}
		if err := e.Recorder.TransitionBatch(ctx, buf.batch.BatchID, audit.BatchFailed, &completedAt); err != nil {
			return FlushResult{Err: err}
		}
		if invokeErr != nil {
			return FlushResult{Err: invokeErr}
		}
		return FlushResult{Err: result.Err}
	}

	branches := result.Branches()
	outputHash, err := hashBranches(branches)
	if err != nil {
		return FlushResult{Err: fmt.Errorf("exec: hash batch output: %w", err)}
	}
	contextAfter, err := canon.JSON(branchesAsAny(branches))
	if err != nil {
		return FlushResult{Err: fmt.Errorf("exec: encode batch context_after: %w", err)}
	}
	if err := e.Recorder.CloseNodeState(ctx, stateID, audit.StateCompleted, &outputHash, contextAfter, &durationMs, completedAt, nil); err != nil {
		return FlushResult{Err: err}
	}
	if err := e.Recorder.TransitionBatch(ctx, buf.batch.BatchID, audit.BatchCompleted, &completedAt); err != nil {
		return FlushResult{Err: err}
	}

	return FlushResult{Flushed: true, Branches: branches}
}
