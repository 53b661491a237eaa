// Package checkpoint implements the durable progress markers that make a run
// resumable (spec.md §4.12): a configurable cadence over terminal-token
// events, and the two read-only query helpers the orchestrator's resume
// path needs. It never touches SQL directly — audit.Recorder remains the
// sole writer and audit.Queries the sole reader, per the Ownership rule in
// spec.md §3; this package is a thin, cadence-aware wrapper over both.
//
// Grounded on coordinator/messages.go's CheckpointPayload/SendCheckpoint:
// the teacher checkpoints a WebSocket session's progress to an external
// coordinator on a message boundary. ELSPETH has no external coordinator
// (spec.md §1 non-goals: single-process pipeline), so the same
// "checkpoint-on-a-boundary" idea is reused with the boundary being a
// terminal-token event and the destination being a durable audit row instead
// of a message.
package checkpoint

import (
	"context"
	"sync/atomic"
	"time"

	"go.elspeth.dev/audit"
	"go.elspeth.dev/engine"
)

// Cadence configures how often a Tracker writes a checkpoint row. Off means
// never; EveryN > 0 means every EveryN terminal-token events.
type Cadence struct {
	Enabled bool
	EveryN  int64
}

// DefaultCadence checkpoints every 100 terminal-token events.
func DefaultCadence() Cadence {
	return Cadence{Enabled: true, EveryN: 100}
}

// AggregationState is the per-node opaque-state accessor a Tracker consults
// when it writes a checkpoint, so a checkpoint row always carries every
// in-flight aggregation node's latest restorable state (spec.md §4.12).
type AggregationState interface {
	// NodeIDs lists the aggregation nodes currently tracked.
	NodeIDs() []audit.ID
	// GetRestoredState returns node's plugin-supplied opaque state blob.
	GetRestoredState(node audit.ID) []byte
}

// Tracker counts terminal-token events and writes a Checkpoint through
// Recorder whenever Cadence fires. One Tracker is shared by every row a run
// processes; Sequence is advanced atomically so concurrent rows (under
// orchestrator row-level concurrency) never race on the counter.
type Tracker struct {
	Recorder  audit.Recorder
	RunID     audit.ID
	Cadence   Cadence
	Aggregate AggregationState

	sequence atomic.Int64
}

// NewTracker builds a Tracker for one run. agg may be nil for a pipeline with
// no aggregation nodes.
func NewTracker(recorder audit.Recorder, runID audit.ID, cadence Cadence, agg AggregationState) *Tracker {
	return &Tracker{Recorder: recorder, RunID: runID, Cadence: cadence, Aggregate: agg}
}

// OnTerminalToken records one terminal-token event (spec.md §3 "Checkpoint
// sequence_number counts terminal-token events, not source rows") and writes
// a Checkpoint row if cadence fires on this event.
func (t *Tracker) OnTerminalToken(ctx context.Context, tok engine.TokenRef, nodeID audit.ID) error {
	seq := t.sequence.Add(1)
	if !t.Cadence.Enabled || t.Cadence.EveryN <= 0 || seq%t.Cadence.EveryN != 0 {
		return nil
	}

	state := make(map[audit.ID][]byte)
	if t.Aggregate != nil {
		for _, nodeID := range t.Aggregate.NodeIDs() {
			if blob := t.Aggregate.GetRestoredState(nodeID); blob != nil {
				state[nodeID] = blob
			}
		}
	}

	return t.Recorder.WriteCheckpoint(ctx, audit.Checkpoint{
		RunID:            t.RunID,
		SequenceNumber:   seq,
		TokenID:          tok.TokenID,
		NodeID:           nodeID,
		AggregationState: state,
		CreatedAt:        time.Now().UTC(),
	})
}

// ResumePoint is what a resumed run needs from its latest checkpoint: the
// row cursor to resume a source from, and the per-node aggregation state to
// restore.
type ResumePoint struct {
	Found            bool
	Checkpoint       audit.Checkpoint
	RowIndexCursor   int64 // highest fully-processed row_index for the source node, or -1
}

// GetResumePoint fetches the latest checkpoint for runID (if any) and
// resolves the row cursor strictly via checkpoint.token_id -> tokens.row_id
// -> rows.row_index lineage (spec.md §4.12, invariant 7 in spec.md §3) — not
// via sequence_number, and not by scanning for rows with no open node_state,
// which would wrongly treat a terminally *failed* row as done. RowIndexCursor
// is -1 when the run has never checkpointed, meaning resume starts from the
// first row.
func GetResumePoint(ctx context.Context, q *audit.Queries, runID audit.ID) (ResumePoint, error) {
	latest, found, err := q.LatestCheckpoint(ctx, runID)
	if err != nil {
		return ResumePoint{}, err
	}
	if !found {
		return ResumePoint{RowIndexCursor: -1}, nil
	}
	cursor, err := q.RowIndexForToken(ctx, latest.TokenID)
	if err != nil {
		return ResumePoint{}, err
	}
	return ResumePoint{Found: true, Checkpoint: latest, RowIndexCursor: cursor}, nil
}

// GetUnprocessedRowCursor returns the row_index of the latest checkpoint's
// token (via token -> row -> row_index lineage), or -1 if the run has never
// checkpointed — the boundary the orchestrator's resumed Source must skip
// past (spec.md §4.12's get_unprocessed_rows, expressed as a cursor rather
// than a materialized row list since ELSPETH's Source is a lazy sequence,
// not a random-access table).
func GetUnprocessedRowCursor(ctx context.Context, q *audit.Queries, runID audit.ID) (int64, error) {
	point, err := GetResumePoint(ctx, q, runID)
	if err != nil {
		return 0, err
	}
	return point.RowIndexCursor, nil
}
