// Package audit implements ELSPETH's relational audit backbone: the 13-table
// data model (runs, nodes, edges, rows, tokens, token_parents, node_states,
// routing_events, batches, batch_members, batch_outputs, calls, artifacts) plus
// checkpoints, and the Recorder that is the sole writer to these tables.
package audit

import (
	"fmt"
	"time"
)

// ID is an opaque 128-bit identifier, string-encoded (uuid.New().String()).
type ID = string

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCrashed   RunStatus = "crashed"
)

func (s RunStatus) valid() bool {
	switch s {
	case RunRunning, RunCompleted, RunFailed, RunCrashed:
		return true
	}
	return false
}

// ReproducibilityGrade records how confidently a run's output can be explained
// from its audit trail. Grades are never auto-upgraded; purging a payload can
// only downgrade a run's grade.
type ReproducibilityGrade string

const (
	GradeFullReproducible   ReproducibilityGrade = "full_reproducible"
	GradeReplayReproducible ReproducibilityGrade = "replay_reproducible"
	GradeAttributableOnly   ReproducibilityGrade = "attributable_only"
)

// NodeType distinguishes the six kinds of node in a pipeline graph.
type NodeType string

const (
	NodeSource      NodeType = "source"
	NodeTransform   NodeType = "transform"
	NodeGate        NodeType = "gate"
	NodeAggregation NodeType = "aggregation"
	NodeCoalesce    NodeType = "coalesce"
	NodeSink        NodeType = "sink"
)

func (t NodeType) valid() bool {
	switch t {
	case NodeSource, NodeTransform, NodeGate, NodeAggregation, NodeCoalesce, NodeSink:
		return true
	}
	return false
}

// Determinism grades a node's reproducibility contribution.
type Determinism string

const (
	DeterminismPure          Determinism = "pure"
	DeterminismDeterministic Determinism = "deterministic"
	DeterminismIORead        Determinism = "io_read"
	DeterminismExternalCall  Determinism = "external_call"
	DeterminismNonDeterm     Determinism = "non_deterministic"
)

func (d Determinism) valid() bool {
	switch d {
	case DeterminismPure, DeterminismDeterministic, DeterminismIORead, DeterminismExternalCall, DeterminismNonDeterm:
		return true
	}
	return false
}

// EdgeMode governs whether a routed token continues (move) or is duplicated
// (copy) onto an edge.
type EdgeMode string

const (
	ModeMove EdgeMode = "move"
	ModeCopy EdgeMode = "copy"
)

func (m EdgeMode) valid() bool {
	return m == ModeMove || m == ModeCopy
}

// NodeStateStatus is the lifecycle state of a single token's visit to a node.
type NodeStateStatus string

const (
	StateOpen      NodeStateStatus = "open"
	StateCompleted NodeStateStatus = "completed"
	StateFailed    NodeStateStatus = "failed"
)

// BatchStatus is the lifecycle state of an aggregation batch.
type BatchStatus string

const (
	BatchDraft     BatchStatus = "draft"
	BatchExecuting BatchStatus = "executing"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// legalBatchTransitions enforces invariant 3 from spec.md §3: draft -> executing
// -> (completed | failed), no other transitions.
var legalBatchTransitions = map[BatchStatus]map[BatchStatus]bool{
	BatchDraft:     {BatchExecuting: true},
	BatchExecuting: {BatchCompleted: true, BatchFailed: true},
}

// CallStatus is the outcome of a single external Call.
type CallStatus string

const (
	CallSuccess CallStatus = "success"
	CallError   CallStatus = "error"
)

// Run is the top-level audit record for one pipeline execution.
type Run struct {
	RunID                ID
	StartedAt            time.Time
	CompletedAt          *time.Time
	ConfigHash           string
	ConfigJSON           []byte
	CanonicalVersion     string
	Status               RunStatus
	ReproducibilityGrade ReproducibilityGrade
	ExportStatus         string
}

// Node is a configured plugin (or gate) instance in a run's pipeline.
type Node struct {
	NodeID            ID
	RunID             ID
	PluginName        string
	NodeType          NodeType
	PluginVersion     string
	ConfigHash        string
	ConfigJSON        []byte
	SchemaHash        string
	SequenceInPipeline *int
	Determinism       Determinism
}

// Edge is a labeled connection between two nodes.
type Edge struct {
	EdgeID      ID
	RunID       ID
	FromNodeID  ID
	ToNodeID    ID
	Label       string
	DefaultMode EdgeMode
}

// Row is a unit of source input.
type Row struct {
	RowID         ID
	RunID         ID
	SourceNodeID  ID
	RowIndex      int64
	SourceDataHash string
	SourceDataRef *string
}

// Token is the identity of a row instance at a point in the execution graph.
type Token struct {
	TokenID     ID
	RowID       ID
	ForkGroupID *string
	JoinGroupID *string
	BranchName  *string
}

// TokenParent records a many-to-one lineage edge from a token to one of its
// parents. Coalesced tokens have more than one TokenParent row.
type TokenParent struct {
	TokenID       ID
	ParentTokenID ID
	Ordinal       int
}

// NodeState records one token's visit to one node on one attempt.
type NodeState struct {
	StateID         ID
	TokenID         ID
	NodeID          ID
	StepIndex       int
	Attempt         int
	Status          NodeStateStatus
	InputHash       string
	OutputHash      *string
	ContextBefore   []byte
	ContextAfter    []byte
	DurationMs      *int64
	StartedAt       time.Time
	CompletedAt     *time.Time
	ErrorJSON       []byte
}

// RoutingEvent is one outgoing edge selection by a gate. Events sharing a
// RoutingGroupID describe a single gate decision (one route, or a fork).
type RoutingEvent struct {
	EventID        ID
	StateID        ID
	EdgeID         ID
	RoutingGroupID ID
	Ordinal        int
	Mode           EdgeMode
	ReasonHash     string
	ReasonRef      *string
}

// Batch is a collection of tokens accumulated by an aggregation node.
type Batch struct {
	BatchID           ID
	RunID             ID
	AggregationNodeID ID
	Attempt           int
	Status            BatchStatus
	CreatedAt         time.Time
	CompletedAt       *time.Time
	AggregationStateID *ID
	TriggerReason     string
}

// CanTransitionTo reports whether moving from b.Status to next is legal per
// invariant 3 in spec.md §3.
func (b Batch) CanTransitionTo(next BatchStatus) bool {
	return legalBatchTransitions[b.Status][next]
}

// BatchMember is one token accumulated into a Batch, in insertion order.
type BatchMember struct {
	BatchID ID
	TokenID ID
	Ordinal int
}

// BatchOutputType distinguishes the two kinds of thing a batch flush can
// produce downstream.
type BatchOutputType string

const (
	BatchOutputToken    BatchOutputType = "token"
	BatchOutputArtifact BatchOutputType = "artifact"
)

// BatchOutput links a Batch to one of the downstream things its flush produced.
type BatchOutput struct {
	BatchID    ID
	OutputType BatchOutputType
	OutputID   ID
}

// Call is one external interaction (HTTP/LLM/DB/...) executed inside a
// NodeState, ordered by CallIndex in emission order.
type Call struct {
	CallID      ID
	StateID     ID
	CallIndex   int
	CallType    string
	Status      CallStatus
	RequestHash string
	RequestRef  *string
	ResponseHash *string
	ResponseRef  *string
	LatencyMs   *int64
	ErrorJSON   []byte
}

// Artifact is a sink-produced output registered after a successful write.
type Artifact struct {
	ArtifactID     ID
	RunID          ID
	ProducedByStateID ID
	SinkNodeID     ID
	ArtifactType   string
	PathOrURI      string
	ContentHash    string
	SizeBytes      int64
}

// Checkpoint is a durable progress marker enabling resume. AggregationState is
// an opaque, per-aggregation-node blob the plugin supplied at checkpoint time.
type Checkpoint struct {
	RunID            ID
	SequenceNumber   int64
	TokenID          ID
	NodeID           ID
	AggregationState map[ID][]byte
	CreatedAt        time.Time
}

// validateEnum is the shared fail-fast gate spec.md §4.3 requires: "invalid
// strings raise an error".
func validateEnum(kind, value string, ok bool) error {
	if ok {
		return nil
	}
	return fmt.Errorf("audit: invalid %s %q", kind, value)
}
