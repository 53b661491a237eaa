//go:build integration

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/google/uuid"
)

// setupPostgresContainer starts a disposable PostgreSQL instance, applies the
// goose migrations, and returns a connected pool plus a teardown func.
func setupPostgresContainer(t *testing.T) (*pgxpool.Pool, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "elspeth",
			"POSTGRES_PASSWORD": "elspeth",
			"POSTGRES_DB":       "elspeth_audit",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start postgres container")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connString := "postgres://elspeth:elspeth@" + host + ":" + port.Port() + "/elspeth_audit?sslmode=disable"

	db, err := goose.OpenDBWithDriver("pgx", connString)
	require.NoError(t, err)
	require.NoError(t, goose.Up(db, "migrations"))
	require.NoError(t, db.Close())

	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)

	return pool, func() {
		pool.Close()
		_ = container.Terminate(ctx)
	}
}

func TestPostgresRecorder_StartAndCompleteRun(t *testing.T) {
	pool, teardown := setupPostgresContainer(t)
	defer teardown()

	r := NewPostgresRecorder(pool)
	ctx := context.Background()

	run := Run{
		RunID:                uuid.NewString(),
		StartedAt:            time.Now().UTC(),
		ConfigHash:           "deadbeef",
		ConfigJSON:           []byte(`{}`),
		CanonicalVersion:     "canon-v1",
		Status:               RunRunning,
		ReproducibilityGrade: GradeFullReproducible,
		ExportStatus:         "none",
	}
	require.NoError(t, r.StartRun(ctx, run))

	completedAt := time.Now().UTC()
	require.NoError(t, r.CompleteRun(ctx, run.RunID, RunCompleted, GradeFullReproducible, completedAt))
}

func TestPostgresRecorder_RejectsInvalidRunStatus(t *testing.T) {
	pool, teardown := setupPostgresContainer(t)
	defer teardown()

	r := NewPostgresRecorder(pool)
	err := r.StartRun(context.Background(), Run{RunID: uuid.NewString(), Status: RunStatus("bogus")})
	require.Error(t, err)
}

func TestPostgresRecorder_IllegalBatchTransitionRejected(t *testing.T) {
	pool, teardown := setupPostgresContainer(t)
	defer teardown()

	r := NewPostgresRecorder(pool)
	ctx := context.Background()

	run := Run{RunID: uuid.NewString(), StartedAt: time.Now().UTC(), ConfigHash: "h", ConfigJSON: []byte(`{}`), CanonicalVersion: "canon-v1", Status: RunRunning, ReproducibilityGrade: GradeFullReproducible}
	require.NoError(t, r.StartRun(ctx, run))

	node := Node{NodeID: uuid.NewString(), RunID: run.RunID, PluginName: "collector", NodeType: NodeAggregation, PluginVersion: "v1", ConfigHash: "h", ConfigJSON: []byte(`{}`), SchemaHash: "h", Determinism: DeterminismDeterministic}
	require.NoError(t, r.RegisterNode(ctx, node))

	batch := Batch{BatchID: uuid.NewString(), RunID: run.RunID, AggregationNodeID: node.NodeID, Attempt: 1, Status: BatchDraft, CreatedAt: time.Now().UTC(), TriggerReason: "count"}
	require.NoError(t, r.OpenBatch(ctx, batch))

	// draft -> completed is not a legal transition; executing must come first.
	err := r.TransitionBatch(ctx, batch.BatchID, BatchCompleted, nil)
	require.Error(t, err)
}

func TestPostgresRecorder_ForkThenRetryBatch(t *testing.T) {
	pool, teardown := setupPostgresContainer(t)
	defer teardown()

	r := NewPostgresRecorder(pool)
	ctx := context.Background()

	run := Run{RunID: uuid.NewString(), StartedAt: time.Now().UTC(), ConfigHash: "h", ConfigJSON: []byte(`{}`), CanonicalVersion: "canon-v1", Status: RunRunning, ReproducibilityGrade: GradeFullReproducible}
	require.NoError(t, r.StartRun(ctx, run))

	srcNode := Node{NodeID: uuid.NewString(), RunID: run.RunID, PluginName: "source", NodeType: NodeSource, PluginVersion: "v1", ConfigHash: "h", ConfigJSON: []byte(`{}`), SchemaHash: "h", Determinism: DeterminismPure}
	require.NoError(t, r.RegisterNode(ctx, srcNode))

	row := Row{RowID: uuid.NewString(), RunID: run.RunID, SourceNodeID: srcNode.NodeID, RowIndex: 0, SourceDataHash: "h"}
	require.NoError(t, r.RecordRow(ctx, row))

	parent := Token{TokenID: uuid.NewString(), RowID: row.RowID}
	require.NoError(t, r.RecordToken(ctx, parent, nil))

	children, err := r.ForkToken(ctx, parent.TokenID, row.RowID, []string{"a", "b"}, []ID{uuid.NewString(), uuid.NewString()})
	require.NoError(t, err)
	require.Len(t, children, 2)
	require.Equal(t, children[0].ForkGroupID, children[1].ForkGroupID)

	aggNode := Node{NodeID: uuid.NewString(), RunID: run.RunID, PluginName: "collector", NodeType: NodeAggregation, PluginVersion: "v1", ConfigHash: "h", ConfigJSON: []byte(`{}`), SchemaHash: "h", Determinism: DeterminismDeterministic}
	require.NoError(t, r.RegisterNode(ctx, aggNode))

	batch := Batch{BatchID: uuid.NewString(), RunID: run.RunID, AggregationNodeID: aggNode.NodeID, Attempt: 0, Status: BatchDraft, CreatedAt: time.Now().UTC(), TriggerReason: "count"}
	require.NoError(t, r.OpenBatch(ctx, batch))
	require.NoError(t, r.AddBatchMember(ctx, BatchMember{BatchID: batch.BatchID, TokenID: children[0].TokenID, Ordinal: 0}))
	require.NoError(t, r.TransitionBatch(ctx, batch.BatchID, BatchExecuting, nil))
	require.NoError(t, r.TransitionBatch(ctx, batch.BatchID, BatchFailed, ptrTime(time.Now().UTC())))

	retried, err := r.RetryBatch(ctx, batch.BatchID, uuid.NewString())
	require.NoError(t, err)
	require.Equal(t, batch.Attempt+1, retried.Attempt)
	require.Equal(t, BatchDraft, retried.Status)
}

func ptrTime(t time.Time) *time.Time { return &t }
