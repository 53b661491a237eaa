package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Queries is the read-only complement to Recorder: the seven lookups the
// orchestrator and CLI need to inspect or resume a run. It wraps a *sqlx.DB
// (not the Recorder's pgxpool.Pool) since struct scanning is the convenient
// shape here and these paths are never on the hot write path.
type Queries struct {
	db *sqlx.DB
}

// NewQueries wraps an already-open *sqlx.DB using the pgx stdlib driver
// ("pgx" driver name registered by github.com/jackc/pgx/v5/stdlib).
func NewQueries(db *sqlx.DB) *Queries {
	return &Queries{db: db}
}

type runRow struct {
	RunID                ID         `db:"run_id"`
	StartedAt            time.Time  `db:"started_at"`
	CompletedAt          *time.Time `db:"completed_at"`
	ConfigHash           string     `db:"config_hash"`
	ConfigJSON           []byte     `db:"config_json"`
	CanonicalVersion     string     `db:"canonical_version"`
	Status               string     `db:"status"`
	ReproducibilityGrade string     `db:"reproducibility_grade"`
	ExportStatus         string     `db:"export_status"`
}

func (r runRow) toRun() Run {
	return Run{
		RunID:                r.RunID,
		StartedAt:            r.StartedAt,
		CompletedAt:          r.CompletedAt,
		ConfigHash:           r.ConfigHash,
		ConfigJSON:           r.ConfigJSON,
		CanonicalVersion:     r.CanonicalVersion,
		Status:               RunStatus(r.Status),
		ReproducibilityGrade: ReproducibilityGrade(r.ReproducibilityGrade),
		ExportStatus:         r.ExportStatus,
	}
}

// RunByID fetches a single run's header row, used by the CLI's status/export
// commands and by the orchestrator before resuming.
func (q *Queries) RunByID(ctx context.Context, runID ID) (Run, error) {
	var row runRow
	if err := q.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE run_id = $1`, runID); err != nil {
		return Run{}, fmt.Errorf("audit: run by id: %w", err)
	}
	return row.toRun(), nil
}

// LatestCheckpoint returns the highest sequence_number checkpoint row for a
// run, the starting point for a resume. It returns (Checkpoint{}, false, nil)
// if the run has never checkpointed.
func (q *Queries) LatestCheckpoint(ctx context.Context, runID ID) (Checkpoint, bool, error) {
	type row struct {
		RunID            ID        `db:"run_id"`
		SequenceNumber   int64     `db:"sequence_number"`
		TokenID          ID        `db:"token_id"`
		NodeID           ID        `db:"node_id"`
		AggregationState []byte    `db:"aggregation_state"`
		CreatedAt        time.Time `db:"created_at"`
	}
	var r row
	err := q.db.GetContext(ctx, &r, `
		SELECT run_id, sequence_number, token_id, node_id, aggregation_state, created_at
		FROM checkpoints WHERE run_id = $1
		ORDER BY sequence_number DESC LIMIT 1`, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("audit: latest checkpoint: %w", err)
	}
	state, err := decodeCheckpointState(r.AggregationState)
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("audit: latest checkpoint: decode aggregation state: %w", err)
	}
	return Checkpoint{RunID: r.RunID, SequenceNumber: r.SequenceNumber, TokenID: r.TokenID, NodeID: r.NodeID, AggregationState: state, CreatedAt: r.CreatedAt}, true, nil
}

// OpenNodeStatesByRun lists node_states still in 'open' status for a run —
// the set of in-flight visits a crash recovery must account for.
func (q *Queries) OpenNodeStatesByRun(ctx context.Context, runID ID) ([]NodeState, error) {
	type row struct {
		StateID       ID        `db:"state_id"`
		TokenID       ID        `db:"token_id"`
		NodeID        ID        `db:"node_id"`
		StepIndex     int       `db:"step_index"`
		Attempt       int       `db:"attempt"`
		Status        string    `db:"status"`
		InputHash     string    `db:"input_hash"`
		ContextBefore []byte    `db:"context_before"`
		StartedAt     time.Time `db:"started_at"`
	}
	var rows []row
	err := q.db.SelectContext(ctx, &rows, `
		SELECT ns.state_id, ns.token_id, ns.node_id, ns.step_index, ns.attempt, ns.status, ns.input_hash, ns.context_before, ns.started_at
		FROM node_states ns
		JOIN tokens t ON t.token_id = ns.token_id
		JOIN rows r ON r.row_id = t.row_id
		WHERE r.run_id = $1 AND ns.status = 'open'`, runID)
	if err != nil {
		return nil, fmt.Errorf("audit: open node states: %w", err)
	}
	out := make([]NodeState, 0, len(rows))
	for _, rr := range rows {
		out = append(out, NodeState{StateID: rr.StateID, TokenID: rr.TokenID, NodeID: rr.NodeID, StepIndex: rr.StepIndex, Attempt: rr.Attempt, Status: NodeStateStatus(rr.Status), InputHash: rr.InputHash, ContextBefore: rr.ContextBefore, StartedAt: rr.StartedAt})
	}
	return out, nil
}

// RowIndexForToken resolves the row_index of the row tokenID belongs to via
// the token -> row -> row_index lineage join spec.md §3 invariant 7 and
// §4.12 require the resume cursor to be derived through — never from
// sequence_number alone, and never by scanning for "no open node_state"
// globally (that conflates a terminally *failed* row, which must be
// retried, with a finished one).
func (q *Queries) RowIndexForToken(ctx context.Context, tokenID ID) (int64, error) {
	var idx int64
	err := q.db.GetContext(ctx, &idx, `
		SELECT r.row_index FROM tokens t
		JOIN rows r ON r.row_id = t.row_id
		WHERE t.token_id = $1`, tokenID)
	if err != nil {
		return 0, fmt.Errorf("audit: row index for token: %w", err)
	}
	return idx, nil
}

// BatchesByNode lists batches for an aggregation node, most recent first —
// used to recover an in-progress batch across a resume.
func (q *Queries) BatchesByNode(ctx context.Context, nodeID ID) ([]Batch, error) {
	type row struct {
		BatchID           ID         `db:"batch_id"`
		RunID             ID         `db:"run_id"`
		AggregationNodeID ID         `db:"aggregation_node_id"`
		Attempt           int        `db:"attempt"`
		Status            string     `db:"status"`
		CreatedAt         time.Time  `db:"created_at"`
		CompletedAt       *time.Time `db:"completed_at"`
		TriggerReason     string     `db:"trigger_reason"`
	}
	var rows []row
	err := q.db.SelectContext(ctx, &rows, `
		SELECT batch_id, run_id, aggregation_node_id, attempt, status, created_at, completed_at, trigger_reason
		FROM batches WHERE aggregation_node_id = $1 ORDER BY created_at DESC`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("audit: batches by node: %w", err)
	}
	out := make([]Batch, 0, len(rows))
	for _, rr := range rows {
		out = append(out, Batch{BatchID: rr.BatchID, RunID: rr.RunID, AggregationNodeID: rr.AggregationNodeID, Attempt: rr.Attempt, Status: BatchStatus(rr.Status), CreatedAt: rr.CreatedAt, CompletedAt: rr.CompletedAt, TriggerReason: rr.TriggerReason})
	}
	return out, nil
}

// BatchMembersByBatch lists the tokens accumulated into a batch, in insertion
// order, for restoring an in-progress batch's member count across a resume.
func (q *Queries) BatchMembersByBatch(ctx context.Context, batchID ID) ([]BatchMember, error) {
	type row struct {
		BatchID ID  `db:"batch_id"`
		TokenID ID  `db:"token_id"`
		Ordinal int `db:"ordinal"`
	}
	var rows []row
	err := q.db.SelectContext(ctx, &rows, `
		SELECT batch_id, token_id, ordinal FROM batch_members
		WHERE batch_id = $1 ORDER BY ordinal`, batchID)
	if err != nil {
		return nil, fmt.Errorf("audit: batch members by batch: %w", err)
	}
	out := make([]BatchMember, 0, len(rows))
	for _, rr := range rows {
		out = append(out, BatchMember{BatchID: rr.BatchID, TokenID: rr.TokenID, Ordinal: rr.Ordinal})
	}
	return out, nil
}

// ArtifactsByRun lists every artifact a run's sinks produced, for export and
// reproducibility reporting.
func (q *Queries) ArtifactsByRun(ctx context.Context, runID ID) ([]Artifact, error) {
	type row struct {
		ArtifactID        ID     `db:"artifact_id"`
		RunID             ID     `db:"run_id"`
		ProducedByStateID ID     `db:"produced_by_state_id"`
		SinkNodeID        ID     `db:"sink_node_id"`
		ArtifactType      string `db:"artifact_type"`
		PathOrURI         string `db:"path_or_uri"`
		ContentHash       string `db:"content_hash"`
		SizeBytes         int64  `db:"size_bytes"`
	}
	var rows []row
	err := q.db.SelectContext(ctx, &rows, `SELECT * FROM artifacts WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("audit: artifacts by run: %w", err)
	}
	out := make([]Artifact, 0, len(rows))
	for _, rr := range rows {
		out = append(out, Artifact{ArtifactID: rr.ArtifactID, RunID: rr.RunID, ProducedByStateID: rr.ProducedByStateID, SinkNodeID: rr.SinkNodeID, ArtifactType: rr.ArtifactType, PathOrURI: rr.PathOrURI, ContentHash: rr.ContentHash, SizeBytes: rr.SizeBytes})
	}
	return out, nil
}
