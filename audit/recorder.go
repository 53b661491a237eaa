package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go.elspeth.dev/elsperr"
)

// Recorder is the sole writer to the audit tables. Every method commits
// exactly one transaction; callers never see a partially written call.
type Recorder interface {
	StartRun(ctx context.Context, r Run) error
	CompleteRun(ctx context.Context, runID ID, status RunStatus, grade ReproducibilityGrade, completedAt time.Time) error
	// ResumeRun sets a run back to running with a NULL completed_at, the
	// first step of a resumed run's lifecycle (spec.md §4.11 resume step 3).
	// It is the only Recorder method allowed to clear completed_at.
	ResumeRun(ctx context.Context, runID ID) error
	RegisterNode(ctx context.Context, n Node) error
	RegisterEdge(ctx context.Context, e Edge) error
	RecordRow(ctx context.Context, r Row) error
	RecordToken(ctx context.Context, t Token, parents []TokenParent) error
	OpenNodeState(ctx context.Context, s NodeState) error
	CloseNodeState(ctx context.Context, stateID ID, status NodeStateStatus, outputHash *string, contextAfter []byte, durationMs *int64, completedAt time.Time, errJSON []byte) error
	RecordRoutingEvents(ctx context.Context, events []RoutingEvent) error
	ForkToken(ctx context.Context, parentTokenID ID, rowID ID, branches []string, newTokenIDs []ID) ([]Token, error)
	CoalesceToken(ctx context.Context, newTokenID ID, parentTokenIDs []ID, rowID ID) (Token, error)
	OpenBatch(ctx context.Context, b Batch) error
	TransitionBatch(ctx context.Context, batchID ID, next BatchStatus, completedAt *time.Time) error
	AddBatchMember(ctx context.Context, m BatchMember) error
	RecordBatchOutput(ctx context.Context, o BatchOutput) error
	RetryBatch(ctx context.Context, originalBatchID ID, newBatchID ID) (Batch, error)
	RecordCall(ctx context.Context, c Call) error
	RecordArtifact(ctx context.Context, a Artifact) error
	WriteCheckpoint(ctx context.Context, c Checkpoint) error
}

// PostgresRecorder is the pgx-backed Recorder. StartRun, CompleteRun,
// RegisterNode, RegisterEdge, OpenNodeState, CloseNodeState, and OpenBatch
// validate their enum-like fields before opening a transaction;
// RecordRoutingEvents checks each event's mode inside its transaction and
// TransitionBatch checks the transition against the locked row, so a failed
// check rolls back rather than writing a partial row (spec.md §4.3).
type PostgresRecorder struct {
	pool *pgxpool.Pool
}

// NewPostgresRecorder wraps an already-established pgxpool.Pool. Callers own
// the pool's lifecycle (Close).
func NewPostgresRecorder(pool *pgxpool.Pool) *PostgresRecorder {
	return &PostgresRecorder{pool: pool}
}

func (r *PostgresRecorder) withTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return &elsperr.Recorder{Op: op, Cause: fmt.Errorf("begin tx: %w", err)}
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := fn(tx); err != nil {
		return &elsperr.Recorder{Op: op, Cause: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &elsperr.Recorder{Op: op, Cause: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

func (r *PostgresRecorder) StartRun(ctx context.Context, run Run) error {
	if err := validateEnum("run status", string(run.Status), run.Status.valid()); err != nil {
		return err
	}
	return r.withTx(ctx, "start_run", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO runs (run_id, started_at, config_hash, config_json, canonical_version, status, reproducibility_grade, export_status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			run.RunID, run.StartedAt, run.ConfigHash, run.ConfigJSON, run.CanonicalVersion, run.Status, run.ReproducibilityGrade, run.ExportStatus)
		return err
	})
}

func (r *PostgresRecorder) CompleteRun(ctx context.Context, runID ID, status RunStatus, grade ReproducibilityGrade, completedAt time.Time) error {
	if err := validateEnum("run status", string(status), status.valid()); err != nil {
		return err
	}
	return r.withTx(ctx, "complete_run", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE runs SET status = $2, reproducibility_grade = $3, completed_at = $4 WHERE run_id = $1`,
			runID, status, grade, completedAt)
		return err
	})
}

func (r *PostgresRecorder) ResumeRun(ctx context.Context, runID ID) error {
	return r.withTx(ctx, "resume_run", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE runs SET status = $2, completed_at = NULL WHERE run_id = $1`,
			runID, RunRunning)
		return err
	})
}

func (r *PostgresRecorder) RegisterNode(ctx context.Context, n Node) error {
	if err := validateEnum("node type", string(n.NodeType), n.NodeType.valid()); err != nil {
		return err
	}
	if err := validateEnum("determinism", string(n.Determinism), n.Determinism.valid()); err != nil {
		return err
	}
	return r.withTx(ctx, "register_node", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO nodes (node_id, run_id, plugin_name, node_type, plugin_version, config_hash, config_json, schema_hash, sequence_in_pipeline, determinism)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			n.NodeID, n.RunID, n.PluginName, n.NodeType, n.PluginVersion, n.ConfigHash, n.ConfigJSON, n.SchemaHash, n.SequenceInPipeline, n.Determinism)
		return err
	})
}

func (r *PostgresRecorder) RegisterEdge(ctx context.Context, e Edge) error {
	if err := validateEnum("edge mode", string(e.DefaultMode), e.DefaultMode.valid()); err != nil {
		return err
	}
	return r.withTx(ctx, "register_edge", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO edges (edge_id, run_id, from_node_id, to_node_id, label, default_mode)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			e.EdgeID, e.RunID, e.FromNodeID, e.ToNodeID, e.Label, e.DefaultMode)
		return err
	})
}

func (r *PostgresRecorder) RecordRow(ctx context.Context, row Row) error {
	return r.withTx(ctx, "record_row", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO rows (row_id, run_id, source_node_id, row_index, source_data_hash, source_data_ref)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			row.RowID, row.RunID, row.SourceNodeID, row.RowIndex, row.SourceDataHash, row.SourceDataRef)
		return err
	})
}

func (r *PostgresRecorder) RecordToken(ctx context.Context, t Token, parents []TokenParent) error {
	return r.withTx(ctx, "record_token", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO tokens (token_id, row_id, fork_group_id, join_group_id, branch_name)
			VALUES ($1, $2, $3, $4, $5)`,
			t.TokenID, t.RowID, t.ForkGroupID, t.JoinGroupID, t.BranchName); err != nil {
			return err
		}
		for _, p := range parents {
			if _, err := tx.Exec(ctx, `
				INSERT INTO token_parents (token_id, parent_token_id, ordinal) VALUES ($1, $2, $3)`,
				p.TokenID, p.ParentTokenID, p.Ordinal); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PostgresRecorder) OpenNodeState(ctx context.Context, s NodeState) error {
	if err := validateEnum("node state status", string(s.Status), s.Status == StateOpen); err != nil {
		return err
	}
	return r.withTx(ctx, "open_node_state", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO node_states (state_id, token_id, node_id, step_index, attempt, status, input_hash, context_before, started_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			s.StateID, s.TokenID, s.NodeID, s.StepIndex, s.Attempt, s.Status, s.InputHash, s.ContextBefore, s.StartedAt)
		return err
	})
}

func (r *PostgresRecorder) CloseNodeState(ctx context.Context, stateID ID, status NodeStateStatus, outputHash *string, contextAfter []byte, durationMs *int64, completedAt time.Time, errJSON []byte) error {
	if status != StateCompleted && status != StateFailed {
		return fmt.Errorf("audit: invalid terminal node state status %q", status)
	}
	return r.withTx(ctx, "close_node_state", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE node_states SET status = $2, output_hash = $3, context_after = $4, duration_ms = $5, completed_at = $6, error_json = $7
			WHERE state_id = $1`,
			stateID, status, outputHash, contextAfter, durationMs, completedAt, errJSON)
		return err
	})
}

func (r *PostgresRecorder) RecordRoutingEvents(ctx context.Context, events []RoutingEvent) error {
	return r.withTx(ctx, "record_routing_events", func(tx pgx.Tx) error {
		for _, e := range events {
			if err := validateEnum("edge mode", string(e.Mode), e.Mode.valid()); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO routing_events (event_id, state_id, edge_id, routing_group_id, ordinal, mode, reason_hash, reason_ref)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				e.EventID, e.StateID, e.EdgeID, e.RoutingGroupID, e.Ordinal, e.Mode, e.ReasonHash, e.ReasonRef); err != nil {
				return err
			}
		}
		return nil
	})
}

// ForkToken creates one child token per branch, all sharing one fork_group_id
// (the first child's token id), and records a TokenParent(ordinal=0) for each. Caller
// supplies newTokenIDs (one per branch, same order) since ID generation is the
// caller's concern, not the Recorder's.
func (r *PostgresRecorder) ForkToken(ctx context.Context, parentTokenID ID, rowID ID, branches []string, newTokenIDs []ID) ([]Token, error) {
	if len(branches) != len(newTokenIDs) {
		return nil, fmt.Errorf("audit: fork_token: %d branches but %d token ids", len(branches), len(newTokenIDs))
	}
	forkGroupID := newTokenIDs[0] // stable, deterministic group id derived from the first child
	children := make([]Token, len(branches))
	err := r.withTx(ctx, "fork_token", func(tx pgx.Tx) error {
		for i, branch := range branches {
			branchName := branch
			t := Token{TokenID: newTokenIDs[i], RowID: rowID, ForkGroupID: &forkGroupID, BranchName: &branchName}
			if _, err := tx.Exec(ctx, `
				INSERT INTO tokens (token_id, row_id, fork_group_id, branch_name) VALUES ($1, $2, $3, $4)`,
				t.TokenID, t.RowID, t.ForkGroupID, t.BranchName); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO token_parents (token_id, parent_token_id, ordinal) VALUES ($1, $2, 0)`,
				t.TokenID, parentTokenID); err != nil {
				return err
			}
			children[i] = t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return children, nil
}

// CoalesceToken creates one new token with a join_group_id and one
// TokenParent per input, in input order.
func (r *PostgresRecorder) CoalesceToken(ctx context.Context, newTokenID ID, parentTokenIDs []ID, rowID ID) (Token, error) {
	joinGroupID := newTokenID
	t := Token{TokenID: newTokenID, RowID: rowID, JoinGroupID: &joinGroupID}
	err := r.withTx(ctx, "coalesce_tokens", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO tokens (token_id, row_id, join_group_id) VALUES ($1, $2, $3)`,
			t.TokenID, t.RowID, t.JoinGroupID); err != nil {
			return err
		}
		for i, parentID := range parentTokenIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO token_parents (token_id, parent_token_id, ordinal) VALUES ($1, $2, $3)`,
				t.TokenID, parentID, i); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Token{}, err
	}
	return t, nil
}

func (r *PostgresRecorder) OpenBatch(ctx context.Context, b Batch) error {
	if err := validateEnum("batch status", string(b.Status), b.Status == BatchDraft); err != nil {
		return err
	}
	return r.withTx(ctx, "open_batch", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO batches (batch_id, run_id, aggregation_node_id, attempt, status, created_at, trigger_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			b.BatchID, b.RunID, b.AggregationNodeID, b.Attempt, b.Status, b.CreatedAt, b.TriggerReason)
		return err
	})
}

// TransitionBatch enforces the draft -> executing -> {completed, failed}
// transition graph: it reads the batch's current status itself (SELECT ...
// FOR UPDATE in the same transaction) and checks CanTransitionTo before
// issuing the UPDATE.
func (r *PostgresRecorder) TransitionBatch(ctx context.Context, batchID ID, next BatchStatus, completedAt *time.Time) error {
	return r.withTx(ctx, "transition_batch", func(tx pgx.Tx) error {
		var current BatchStatus
		if err := tx.QueryRow(ctx, `SELECT status FROM batches WHERE batch_id = $1 FOR UPDATE`, batchID).Scan(&current); err != nil {
			return err
		}
		if !(Batch{Status: current}).CanTransitionTo(next) {
			return fmt.Errorf("audit: illegal batch transition %s -> %s", current, next)
		}
		_, err := tx.Exec(ctx, `UPDATE batches SET status = $2, completed_at = $3 WHERE batch_id = $1`, batchID, next, completedAt)
		return err
	})
}

func (r *PostgresRecorder) AddBatchMember(ctx context.Context, m BatchMember) error {
	return r.withTx(ctx, "add_batch_member", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO batch_members (batch_id, token_id, ordinal) VALUES ($1, $2, $3)`, m.BatchID, m.TokenID, m.Ordinal)
		return err
	})
}

func (r *PostgresRecorder) RecordBatchOutput(ctx context.Context, o BatchOutput) error {
	return r.withTx(ctx, "record_batch_output", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO batch_outputs (batch_id, output_type, output_id) VALUES ($1, $2, $3)`, o.BatchID, o.OutputType, o.OutputID)
		return err
	})
}

// RetryBatch requires the original batch to be in status=failed; it creates a
// new Batch with attempt = original.attempt+1, status=draft, and copies all
// BatchMembers preserving ordinals.
func (r *PostgresRecorder) RetryBatch(ctx context.Context, originalBatchID ID, newBatchID ID) (Batch, error) {
	var next Batch
	err := r.withTx(ctx, "retry_batch", func(tx pgx.Tx) error {
		var original Batch
		if err := tx.QueryRow(ctx, `
			SELECT run_id, aggregation_node_id, attempt, status, trigger_reason FROM batches WHERE batch_id = $1 FOR UPDATE`,
			originalBatchID).Scan(&original.RunID, &original.AggregationNodeID, &original.Attempt, &original.Status, &original.TriggerReason); err != nil {
			return err
		}
		if original.Status != BatchFailed {
			return fmt.Errorf("audit: retry_batch: batch %s is %s, not failed", originalBatchID, original.Status)
		}
		next = Batch{
			BatchID:           newBatchID,
			RunID:             original.RunID,
			AggregationNodeID: original.AggregationNodeID,
			Attempt:           original.Attempt + 1,
			Status:            BatchDraft,
			CreatedAt:         time.Now().UTC(),
			TriggerReason:     original.TriggerReason,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO batches (batch_id, run_id, aggregation_node_id, attempt, status, created_at, trigger_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			next.BatchID, next.RunID, next.AggregationNodeID, next.Attempt, next.Status, next.CreatedAt, next.TriggerReason); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT token_id, ordinal FROM batch_members WHERE batch_id = $1 ORDER BY ordinal`, originalBatchID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var tokenID ID
			var ordinal int
			if err := rows.Scan(&tokenID, &ordinal); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `INSERT INTO batch_members (batch_id, token_id, ordinal) VALUES ($1, $2, $3)`, next.BatchID, tokenID, ordinal); err != nil {
				return err
			}
		}
		return rows.Err()
	})
	if err != nil {
		return Batch{}, err
	}
	return next, nil
}

func (r *PostgresRecorder) RecordCall(ctx context.Context, c Call) error {
	return r.withTx(ctx, "record_call", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO calls (call_id, state_id, call_index, call_type, status, request_hash, request_ref, response_hash, response_ref, latency_ms, error_json)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			c.CallID, c.StateID, c.CallIndex, c.CallType, c.Status, c.RequestHash, c.RequestRef, c.ResponseHash, c.ResponseRef, c.LatencyMs, c.ErrorJSON)
		return err
	})
}

func (r *PostgresRecorder) RecordArtifact(ctx context.Context, a Artifact) error {
	return r.withTx(ctx, "record_artifact", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO artifacts (artifact_id, run_id, produced_by_state_id, sink_node_id, artifact_type, path_or_uri, content_hash, size_bytes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			a.ArtifactID, a.RunID, a.ProducedByStateID, a.SinkNodeID, a.ArtifactType, a.PathOrURI, a.ContentHash, a.SizeBytes)
		return err
	})
}

func (r *PostgresRecorder) WriteCheckpoint(ctx context.Context, c Checkpoint) error {
	aggJSON, err := checkpointStateJSON(c.AggregationState)
	if err != nil {
		return &elsperr.Recorder{Op: "write_checkpoint", Cause: err}
	}
	return r.withTx(ctx, "write_checkpoint", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO checkpoints (run_id, sequence_number, token_id, node_id, aggregation_state, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			c.RunID, c.SequenceNumber, c.TokenID, c.NodeID, aggJSON, c.CreatedAt)
		return err
	})
}
