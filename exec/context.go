// Package exec implements the per-node-kind executors — transform, gate,
// aggregation, sink — that wrap plugin invocations with NodeState recording,
// timing, and routing/call emission. Executors are the only callers of
// audit.Recorder below the orchestrator; plugins see only engine.PluginContext.
package exec

import (
	"context"
	"sync/atomic"
	"time"

	"go.elspeth.dev/audit"
	"go.elspeth.dev/canon"
	"go.elspeth.dev/engine"
)

// nodeContext implements engine.PluginContext for a single NodeState,
// assigning call_index in emission order the way spec.md §4.5 requires.
type nodeContext struct {
	recorder  audit.Recorder
	runID     audit.ID
	nodeID    audit.ID
	stateID   audit.ID
	callIndex atomic.Int64
}

func newNodeContext(recorder audit.Recorder, runID, nodeID, stateID audit.ID) *nodeContext {
	return &nodeContext{recorder: recorder, runID: runID, nodeID: nodeID, stateID: stateID}
}

func (c *nodeContext) StateID() audit.ID { return c.stateID }
func (c *nodeContext) RunID() audit.ID   { return c.runID }
func (c *nodeContext) NodeID() audit.ID  { return c.nodeID }

func (c *nodeContext) RecordCall(ctx context.Context, callType string, status audit.CallStatus, request, response []byte, latencyMs int64, callErr error) error {
	idx := int(c.callIndex.Add(1)) - 1

	call := audit.Call{
		CallID:      newID(),
		StateID:     c.stateID,
		CallIndex:   idx,
		CallType:    callType,
		Status:      status,
		RequestHash: canon.HashBytes(request),
		LatencyMs:   &latencyMs,
	}
	if response != nil {
		h := canon.HashBytes(response)
		call.ResponseHash = &h
	}
	if callErr != nil {
		errJSON, err := canon.JSON(map[string]any{"message": callErr.Error()})
		if err == nil {
			call.ErrorJSON = errJSON
		}
	}
	return c.recorder.RecordCall(ctx, call)
}

// timeSpan measures a plugin invocation, the way executor/http_executor.go
// brackets a call with StartTime/EndTime/Duration.
func timeSpan(fn func() error) (time.Duration, error) {
	start := time.Now()
	err := fn()
	return time.Since(start), err
}

// hashRow canonicalizes and hashes a row payload for input_hash/output_hash.
func hashRow(row engine.Data) (string, error) {
	return canon.Hash(map[string]any(row))
}
