// Package orchestrator owns a run's lifecycle end to end (spec.md §4.11):
// registering the pipeline graph, feeding rows from a Source through
// row-level concurrency, flushing aggregation buffers at end-of-source, and
// completing the run — plus the five-step resume flow that rebuilds the same
// lifecycle from a checkpoint.
//
// Grounded on coordinator/coordinator.go's Connect/Close lifecycle (a
// sync.WaitGroup draining in-flight goroutines before Close returns) and
// coordinator/phases.go's phase state machine (pending -> execution ->
// completing -> completed, fail-from-any-active-state) — the orchestrator
// generalizes both from a long-lived WebSocket session to a single batch
// run's begin/execute/complete arc. Row-level concurrency uses
// golang.org/x/sync/errgroup the same way worker/pool.go bounds fan-out,
// except rows dispatch through errgroup directly rather than pool.Run's
// indexed-result-slice pattern: per SPEC_FULL.md §9's resolution of the
// multi-producer sink ordering question (arrival order, per-sink-writer
// serialized — see exec.SinkExecutor's per-node lock), sink writes are
// explicitly NOT required to land in row_index order across concurrent rows,
// so no reorder buffer sits between the row workers and their sinks.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.elspeth.dev/audit"
	"go.elspeth.dev/canon"
	"go.elspeth.dev/checkpoint"
	"go.elspeth.dev/engine"
	"go.elspeth.dev/exec"
	"go.elspeth.dev/processor"
	"go.elspeth.dev/retry"
)

func newID() audit.ID { return uuid.NewString() }

// Config is the run-level configuration the orchestrator needs beyond the
// pipeline graph itself.
type Config struct {
	// MaxWorkers bounds row-level concurrency (spec.md §5); 1 means
	// sequential.
	MaxWorkers int
	Checkpoint checkpoint.Cadence
	// RetryConfig is keyed by node id; a node absent from the map runs
	// without retry (spec.md §4.9: retry is opt-in per node).
	RetryConfig map[audit.ID]retry.Config

	ConfigHash       string
	ConfigJSON       []byte
	CanonicalVersion string

	Logger *logrus.Entry
}

// DefaultConfig matches spec.md §5's default of 4 concurrent row workers and
// checkpoint.DefaultCadence.
func DefaultConfig() Config {
	return Config{MaxWorkers: 4, Checkpoint: checkpoint.DefaultCadence()}
}

// Orchestrator drives runs against one audit backbone. It holds no per-run
// state itself — Run and Resume are both reentrant for distinct run ids.
type Orchestrator struct {
	Recorder audit.Recorder
	Queries  *audit.Queries
}

// New builds an Orchestrator over recorder/queries.
func New(recorder audit.Recorder, queries *audit.Queries) *Orchestrator {
	return &Orchestrator{Recorder: recorder, Queries: queries}
}

// aggregationStateAdapter satisfies checkpoint.AggregationState directly from
// a pipeline's aggregation plugins (engine.Aggregation already carries its
// own GetRestoredState, spec.md §4.7), so no extra state tracking is needed
// in the orchestrator.
type aggregationStateAdapter struct {
	plugins map[audit.ID]engine.Aggregation
}

func (a aggregationStateAdapter) NodeIDs() []audit.ID {
	ids := make([]audit.ID, 0, len(a.plugins))
	for id := range a.plugins {
		ids = append(ids, id)
	}
	return ids
}

func (a aggregationStateAdapter) GetRestoredState(node audit.ID) []byte {
	if p, ok := a.plugins[node]; ok {
		return p.GetRestoredState()
	}
	return nil
}

func aggregationPlugins(pipeline engine.Pipeline) map[audit.ID]engine.Aggregation {
	out := make(map[audit.ID]engine.Aggregation)
	for _, n := range pipeline.Nodes {
		if n.Node.NodeType == audit.NodeAggregation && n.Aggregation != nil {
			out[n.Node.NodeID] = n.Aggregation
		}
	}
	return out
}

// runtime bundles the per-run collaborators built fresh by both Run and
// Resume (spec.md §4.11: resume is "stateless... mirroring run").
type runtime struct {
	proc    *processor.Processor
	agg     *exec.AggregationExecutor
	sink    *exec.SinkExecutor
	tracker *checkpoint.Tracker
}

func (o *Orchestrator) buildRuntime(runID audit.ID, pipeline engine.Pipeline, cfg Config) *runtime {
	agg := exec.NewAggregationExecutor(o.Recorder)
	sink := &exec.SinkExecutor{Recorder: o.Recorder}
	tracker := checkpoint.NewTracker(o.Recorder, runID, cfg.Checkpoint, aggregationStateAdapter{aggregationPlugins(pipeline)})

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	retryManagers := make(map[audit.ID]*retry.Manager[exec.Outcome])
	for nodeID, rcfg := range cfg.RetryConfig {
		retryManagers[nodeID] = retry.NewManager[exec.Outcome](string(nodeID), rcfg, logger)
	}

	proc := &processor.Processor{
		Recorder:     o.Recorder,
		Transform:    &exec.TransformExecutor{Recorder: o.Recorder},
		Gate:         &exec.GateExecutor{Recorder: o.Recorder},
		Aggregation:  agg,
		Sink:         sink,
		Checkpoint:   tracker,
		RetryManager: retryManagers,
	}
	return &runtime{proc: proc, agg: agg, sink: sink, tracker: tracker}
}

// Run implements spec.md §4.11's run(config, graph, plugins) in full.
func (o *Orchestrator) Run(ctx context.Context, cfg Config, pipeline engine.Pipeline, source engine.Source) error {
	runID := newID()
	startedAt := time.Now().UTC()
	canonicalVersion := cfg.CanonicalVersion
	if canonicalVersion == "" {
		canonicalVersion = canon.Version
	}
	if err := o.Recorder.StartRun(ctx, audit.Run{
		RunID:                runID,
		StartedAt:            startedAt,
		ConfigHash:           cfg.ConfigHash,
		ConfigJSON:           cfg.ConfigJSON,
		CanonicalVersion:     canonicalVersion,
		Status:               audit.RunRunning,
		ReproducibilityGrade: audit.GradeFullReproducible,
	}); err != nil {
		return fmt.Errorf("orchestrator: begin_run: %w", err)
	}

	if err := o.registerGraph(ctx, runID, pipeline); err != nil {
		return o.failRun(ctx, runID, err)
	}

	rt := o.buildRuntime(runID, pipeline, cfg)
	sourceNode := pipeline.Nodes[0].Node

	if err := o.feedRows(ctx, cfg, pipeline, rt, sourceNode, source, 0); err != nil {
		return o.failRun(ctx, runID, err)
	}

	if err := o.flushAggregations(ctx, pipeline, rt); err != nil {
		return o.failRun(ctx, runID, err)
	}

	return o.completeRun(ctx, runID, audit.RunCompleted)
}

// registerGraph performs begin_run's node/edge registration step: every node
// is stamped with runID and its position in the pipeline before this run's
// Pipeline value settles into the "never mutated" state spec.md §3 requires
// for the rest of the run.
func (o *Orchestrator) registerGraph(ctx context.Context, runID audit.ID, pipeline engine.Pipeline) error {
	for i := range pipeline.Nodes {
		pipeline.Nodes[i].Node.RunID = runID
		seq := i
		pipeline.Nodes[i].Node.SequenceInPipeline = &seq
		if err := o.Recorder.RegisterNode(ctx, pipeline.Nodes[i].Node); err != nil {
			return fmt.Errorf("orchestrator: register_node %s: %w", pipeline.Nodes[i].Node.NodeID, err)
		}
	}
	for fromID, edges := range pipeline.Edges {
		for _, e := range edges {
			toNodeID, err := resolveEdgeTarget(pipeline, fromID, e)
			if err != nil {
				return err
			}
			if err := o.Recorder.RegisterEdge(ctx, audit.Edge{
				EdgeID:      e.EdgeID,
				RunID:       runID,
				FromNodeID:  fromID,
				ToNodeID:    toNodeID,
				Label:       e.Label,
				DefaultMode: e.Mode,
			}); err != nil {
				return fmt.Errorf("orchestrator: register_edge %s: %w", e.EdgeID, err)
			}
		}
	}
	return nil
}

func resolveEdgeTarget(pipeline engine.Pipeline, fromID audit.ID, e engine.Edge) (audit.ID, error) {
	if e.Destination == "continue" {
		idx, ok := indexOf(pipeline, fromID)
		if !ok || idx+1 >= len(pipeline.Nodes) {
			return "", fmt.Errorf("orchestrator: edge %s: continue has no next node", e.EdgeID)
		}
		return pipeline.Nodes[idx+1].Node.NodeID, nil
	}
	sinkIdx, ok := pipeline.Sinks[e.Destination]
	if !ok {
		return "", fmt.Errorf("orchestrator: edge %s: no sink named %q", e.EdgeID, e.Destination)
	}
	return pipeline.Nodes[sinkIdx].Node.NodeID, nil
}

func indexOf(pipeline engine.Pipeline, nodeID audit.ID) (int, bool) {
	for i, n := range pipeline.Nodes {
		if n.Node.NodeID == nodeID {
			return i, true
		}
	}
	return 0, false
}

// feedRows reads source to exhaustion, dispatching each row to proc bounded
// by cfg.MaxWorkers concurrent in-flight rows (spec.md §4.11 step 3). startAt
// skips the first startAt rows read from source, the mechanism Resume uses to
// continue past an already-processed prefix without a random-access Source.
func (o *Orchestrator) feedRows(ctx context.Context, cfg Config, pipeline engine.Pipeline, rt *runtime, sourceNode audit.Node, source engine.Source, startAt int64) error {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, maxWorkers)

	var rowIndex int64
	for {
		row, ok, err := source.Next(gctx)
		if err != nil {
			return fmt.Errorf("orchestrator: source.Next: %w", err)
		}
		if !ok {
			break
		}
		idx := rowIndex
		rowIndex++
		if idx < startAt {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-gctx.Done():
			return g.Wait()
		}
		g.Go(func() error {
			defer func() { <-sem }()
			return rt.proc.ProcessRow(gctx, pipeline, sourceNode, row, idx)
		})
	}
	return g.Wait()
}

// flushAggregations runs spec.md §4.11 step 4: every aggregation node's
// non-empty buffer is flushed with trigger_type=end_of_source once the
// source is exhausted, then its output continues through the remaining
// pipeline exactly like an in-flight flush would.
func (o *Orchestrator) flushAggregations(ctx context.Context, pipeline engine.Pipeline, rt *runtime) error {
	for idx, n := range pipeline.Nodes {
		if n.Node.NodeType != audit.NodeAggregation {
			continue
		}
		result := rt.agg.FlushEndOfSource(ctx, n.Node, n.Aggregation)
		if result.Err != nil {
			return fmt.Errorf("orchestrator: end-of-source flush %s: %w", n.Node.NodeID, result.Err)
		}
		if !result.Flushed {
			continue
		}
		for _, branch := range result.Branches {
			tok := engine.TokenRef{TokenID: newID(), RowID: newID()}
			if err := o.Recorder.RecordToken(ctx, audit.Token{TokenID: tok.TokenID, RowID: tok.RowID}, nil); err != nil {
				return fmt.Errorf("orchestrator: end-of-source flush %s: record token: %w", n.Node.NodeID, err)
			}
			if err := rt.proc.ContinueFrom(ctx, pipeline, idx+1, tok, branch); err != nil {
				return fmt.Errorf("orchestrator: end-of-source flush %s: %w", n.Node.NodeID, err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) completeRun(ctx context.Context, runID audit.ID, status audit.RunStatus) error {
	grade := audit.GradeFullReproducible
	if err := o.Recorder.CompleteRun(ctx, runID, status, grade, time.Now().UTC()); err != nil {
		return fmt.Errorf("orchestrator: complete_run: %w", err)
	}
	return nil
}

func (o *Orchestrator) failRun(ctx context.Context, runID audit.ID, cause error) error {
	if err := o.completeRun(ctx, runID, audit.RunFailed); err != nil {
		return fmt.Errorf("%w (also failed to record failure: %w)", cause, err)
	}
	return cause
}

// Resume implements spec.md §4.11's resume(resume_point, config, graph,
// plugins): a fresh recorder and processor rebuilding the same run, picking
// up from its latest checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, cfg Config, pipeline engine.Pipeline, source engine.Source, runID audit.ID) error {
	sourceNode := pipeline.Nodes[0].Node

	// Probe every sink's resume capability up front, before anything else is
	// touched: spec.md §4.8 "resuming onto a non-resumable sink is a hard,
	// up-front error" (spec.md §8's boundary test requires this to fail
	// before any processing begins).
	if err := o.checkSinksResumable(pipeline); err != nil {
		return o.failRun(ctx, runID, err)
	}

	strandedRows, err := o.recoverStrandedFlushRows(ctx, runID, pipeline)
	if err != nil {
		return o.failRun(ctx, runID, err)
	}

	if err := o.reconcileBatches(ctx, pipeline); err != nil {
		return o.failRun(ctx, runID, err)
	}

	latest, found, err := o.Queries.LatestCheckpoint(ctx, runID)
	if err != nil {
		return o.failRun(ctx, runID, fmt.Errorf("orchestrator: resume: latest checkpoint: %w", err))
	}

	rt := o.buildRuntime(runID, pipeline, cfg)
	if err := o.restoreAggregationState(ctx, pipeline, rt, latest, found, strandedRows); err != nil {
		return o.failRun(ctx, runID, err)
	}

	if err := o.Recorder.ResumeRun(ctx, runID); err != nil {
		return o.failRun(ctx, runID, fmt.Errorf("orchestrator: resume: restore running status: %w", err))
	}

	// The resume boundary is derived strictly from checkpoint.token_id ->
	// tokens.row_id -> rows.row_index lineage (spec.md §3 invariant 7,
	// §4.12), never from sequence_number and never by scanning for "no open
	// node_state" — that would wrongly treat a terminally failed row (not
	// yet checkpointed) as done instead of retrying it.
	cursor := int64(-1)
	if found {
		cursor, err = o.Queries.RowIndexForToken(ctx, latest.TokenID)
		if err != nil {
			return o.failRun(ctx, runID, fmt.Errorf("orchestrator: resume: row cursor: %w", err))
		}
	}

	if err := o.feedRows(ctx, cfg, pipeline, rt, sourceNode, source, cursor+1); err != nil {
		return o.failRun(ctx, runID, err)
	}
	if err := o.flushAggregations(ctx, pipeline, rt); err != nil {
		return o.failRun(ctx, runID, err)
	}
	return o.completeRun(ctx, runID, audit.RunCompleted)
}

// checkSinksResumable implements the capability probe spec.md §4.8 requires
// on resume: every sink node must implement engine.ResumeCapable, report
// SupportsResume()==true, and have ConfigureForResume() succeed, or resume
// fails before a single row is touched.
func (o *Orchestrator) checkSinksResumable(pipeline engine.Pipeline) error {
	for _, n := range pipeline.Nodes {
		if n.Node.NodeType != audit.NodeSink || n.Sink == nil {
			continue
		}
		rc, ok := n.Sink.(engine.ResumeCapable)
		if !ok || !rc.SupportsResume() {
			return fmt.Errorf("orchestrator: resume: sink %s does not support resume", n.Node.NodeID)
		}
		if err := rc.ConfigureForResume(); err != nil {
			return fmt.Errorf("orchestrator: resume: sink %s: configure for resume: %w", n.Node.NodeID, err)
		}
	}
	return nil
}

// recoverStrandedFlushRows finds any NodeState left in status=open by a
// crashed aggregation flush (opened in exec.AggregationExecutor.flush before
// invoking the plugin, per spec.md §4.7 step 2) and recovers the exact row
// list that flush was about to process from its context_before_json, keyed
// by the aggregation node id. Each recovered NodeState is then closed as
// failed so it cannot remain open once the run returns to status=running
// (spec.md §8 "at most one attempt is in status=open"); the retried batch's
// own flush attempt opens a fresh NodeState under a new attempt number.
//
// A batch that crashed before ever reaching its first flush attempt (still
// status=draft, no NodeState opened yet) has no recoverable row content —
// only its BatchMembers survive, which carry token identity but not row
// payloads (spec.md §3's batch_members table has no row-data column). Such a
// batch is restored with empty rows; see DESIGN.md's aggregation-executor
// entry for why this is an accepted limitation rather than a bug to silently
// paper over.
func (o *Orchestrator) recoverStrandedFlushRows(ctx context.Context, runID audit.ID, pipeline engine.Pipeline) (map[audit.ID][]engine.Data, error) {
	hasAggregation := false
	for _, n := range pipeline.Nodes {
		if n.Node.NodeType == audit.NodeAggregation {
			hasAggregation = true
			break
		}
	}
	if !hasAggregation {
		return nil, nil
	}

	open, err := o.Queries.OpenNodeStatesByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open node states: %w", err)
	}
	recovered := make(map[audit.ID][]engine.Data, len(open))
	now := time.Now().UTC()
	for _, ns := range open {
		if len(ns.ContextBefore) == 0 {
			continue
		}
		var raw []map[string]any
		if err := json.Unmarshal(ns.ContextBefore, &raw); err != nil {
			continue
		}
		rows := make([]engine.Data, len(raw))
		for i, m := range raw {
			rows[i] = engine.Data(m)
		}
		recovered[ns.NodeID] = rows

		errJSON, _ := json.Marshal(map[string]any{"message": "run crashed mid-flush; recovered on resume"})
		if err := o.Recorder.CloseNodeState(ctx, ns.StateID, audit.StateFailed, nil, nil, nil, now, errJSON); err != nil {
			return nil, fmt.Errorf("orchestrator: close stranded node state %s: %w", ns.StateID, err)
		}
	}
	return recovered, nil
}

// reconcileBatches implements resume step 1: any batch left mid-flight
// (status=executing) when the run stopped is marked failed, then retried as
// a fresh batch at attempt+1 (spec.md §4.11, §4.7).
func (o *Orchestrator) reconcileBatches(ctx context.Context, pipeline engine.Pipeline) error {
	for _, n := range pipeline.Nodes {
		if n.Node.NodeType != audit.NodeAggregation {
			continue
		}
		batches, err := o.Queries.BatchesByNode(ctx, n.Node.NodeID)
		if err != nil {
			return fmt.Errorf("orchestrator: batches for %s: %w", n.Node.NodeID, err)
		}
		for _, b := range batches {
			if b.Status == audit.BatchExecuting {
				now := time.Now().UTC()
				if err := o.Recorder.TransitionBatch(ctx, b.BatchID, audit.BatchFailed, &now); err != nil {
					return fmt.Errorf("orchestrator: fail stranded batch %s: %w", b.BatchID, err)
				}
				b.Status = audit.BatchFailed
			}
			if b.Status == audit.BatchFailed {
				if _, err := o.Recorder.RetryBatch(ctx, b.BatchID, newID()); err != nil {
					return fmt.Errorf("orchestrator: retry_batch %s: %w", b.BatchID, err)
				}
			}
		}
	}
	return nil
}

// restoreAggregationState implements resume step 2: each aggregation
// node's plugin state is restored from the latest checkpoint (already
// fetched by the caller, per-run, so this and the row-cursor derivation
// share one query instead of two), and any draft/retried batch still
// pending is re-installed as the node's current buffer.
func (o *Orchestrator) restoreAggregationState(ctx context.Context, pipeline engine.Pipeline, rt *runtime, latest audit.Checkpoint, found bool, strandedRows map[audit.ID][]engine.Data) error {
	for _, n := range pipeline.Nodes {
		if n.Node.NodeType != audit.NodeAggregation {
			continue
		}
		if state, ok := latest.AggregationState[n.Node.NodeID]; found && ok {
			if err := n.Aggregation.RestoreState(state); err != nil {
				return fmt.Errorf("orchestrator: restore state %s: %w", n.Node.NodeID, err)
			}
		}

		batches, err := o.Queries.BatchesByNode(ctx, n.Node.NodeID)
		if err != nil {
			return fmt.Errorf("orchestrator: batches for %s: %w", n.Node.NodeID, err)
		}
		for _, b := range batches {
			if b.Status != audit.BatchDraft {
				continue
			}
			members, err := o.Queries.BatchMembersByBatch(ctx, b.BatchID)
			if err != nil {
				return fmt.Errorf("orchestrator: batch members for %s: %w", b.BatchID, err)
			}
			rt.agg.RestoreBatch(n.Node, b, members, strandedRows[n.Node.NodeID])
		}
	}
	return nil
}
