package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.elspeth.dev/audit"
	"go.elspeth.dev/canon"
	"go.elspeth.dev/engine"
)

// SinkExecutor wraps a single engine.Sink.Write call in a NodeState and
// registers an Artifact on success, per spec.md §4.8. Under row-level
// concurrency (spec.md §5), more than one row can reach the same sink node at
// once; SPEC_FULL.md's resolution for multi-producer sink ordering is arrival
// order, per-sink-writer serialized, so SinkExecutor holds one mutex per node
// id the way exec/aggregation.go's nodeBuffer map is guarded per node.
type SinkExecutor struct {
	Recorder audit.Recorder

	mu    sync.Mutex
	locks map[audit.ID]*sync.Mutex
}

func (e *SinkExecutor) lockFor(nodeID audit.ID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locks == nil {
		e.locks = make(map[audit.ID]*sync.Mutex)
	}
	l, ok := e.locks[nodeID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[nodeID] = l
	}
	return l
}

// Execute writes rows through plugin under a NodeState for tok. On success it
// registers an Artifact describing what was written. attempt is the 0-based
// retry attempt number (spec.md §4.9: each attempt gets its own NodeState).
// Concurrent Execute calls against the same node.NodeID serialize around
// plugin.Write, so a sink implementation never sees overlapping writes.
func (e *SinkExecutor) Execute(ctx context.Context, node audit.Node, tok engine.TokenRef, stepIndex, attempt int, rows []engine.Data, plugin engine.Sink) Outcome {
	lock := e.lockFor(node.NodeID)
	lock.Lock()
	defer lock.Unlock()

	rowsAny := make([]any, len(rows))
	for i, r := range rows {
		rowsAny[i] = map[string]any(r)
	}
	inputHash, err := canon.Hash(rowsAny)
	if err != nil {
		return Outcome{Err: fmt.Errorf("exec: hash sink input: %w", err)}
	}
	contextBefore, err := canon.JSON(rowsAny)
	if err != nil {
		return Outcome{Err: fmt.Errorf("exec: encode sink context_before: %w", err)}
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

	var result engine.SinkResult
	duration, writeErr := timeSpan(func() error {
		var err error
		result, err = plugin.Write(ctx, rows)
		return err
	})
	completedAt := startedAt.Add(duration)
	durationMs := duration.Milliseconds()

	if writeErr != nil {
		errJSON, _ := canon.JSON(map[string]any{"message": writeErr.Error()})
		if closeErr := e.Recorder.CloseNodeState(ctx, stateID, audit.StateFailed, nil, nil, &durationMs, completedAt, errJSON); closeErr != nil {
			return Outcome{StateID: stateID, Err: closeErr}
		}
		var transformErr *engine.TransformError
		retryable := errors.As(writeErr, &transformErr) && transformErr.Retryable
		return Outcome{StateID: stateID, Err: writeErr, Retryable: retryable}
	}

	contentHash := result.ContentHash
	if contentHash == "" {
		contentHash = inputHash
	}
	contextAfter, err := canon.JSON(map[string]any{"path_or_uri": result.PathOrURI, "artifact_type": result.ArtifactType})
	if err != nil {
		return Outcome{StateID: stateID, Err: fmt.Errorf("exec: encode sink context_after: %w", err)}
	}
	if err := e.Recorder.CloseNodeState(ctx, stateID, audit.StateCompleted, &contentHash, contextAfter, &durationMs, completedAt, nil); err != nil {
		return Outcome{StateID: stateID, Err: err}
	}

	if err := e.Recorder.RecordArtifact(ctx, audit.Artifact{
		ArtifactID:        newID(),
		RunID:             node.RunID,
		ProducedByStateID: stateID,
		SinkNodeID:        node.NodeID,
		ArtifactType:      result.ArtifactType,
		PathOrURI:         result.PathOrURI,
		ContentHash:       contentHash,
		SizeBytes:         result.SizeBytes,
	}); err != nil {
		return Outcome{StateID: stateID, Err: err}
	}

	return Outcome{StateID: stateID}
}
