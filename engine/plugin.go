package engine

import (
	"context"

	"go.elspeth.dev/audit"
)

// PluginContext is what a plugin invocation receives alongside the row: its
// own state identity, the owning run, and the ability to emit Calls against
// that state. Implemented by exec.nodeContext; plugins never see a Recorder.
type PluginContext interface {
	StateID() audit.ID
	RunID() audit.ID
	NodeID() audit.ID
	// RecordCall records one external interaction (HTTP/LLM/DB/...) emitted
	// during this invocation, in emission order.
	RecordCall(ctx context.Context, callType string, status audit.CallStatus, request, response []byte, latencyMs int64, callErr error) error
}

// Transform mutates, validates, filters, or forks a single row.
type Transform interface {
	Process(ctx context.Context, pctx PluginContext, row Data) (TransformResult, error)
}

// Aggregation consumes a buffered batch of rows on flush and may stash or
// restore opaque per-node state across a resume.
type Aggregation interface {
	Flush(ctx context.Context, pctx PluginContext, rows []Data) (TransformResult, error)
	// RestoreState installs an opaque state blob recovered from a checkpoint.
	RestoreState(state []byte) error
	// GetRestoredState returns the plugin's current opaque state for
	// checkpointing; nil if the plugin holds no state worth persisting.
	GetRestoredState() []byte
}

// Source produces the run's input rows in order. Next returns ok=false once
// exhausted.
type Source interface {
	Next(ctx context.Context) (row Data, ok bool, err error)
}

// Sink writes a batch of rows as a single committed unit and describes the
// artifact that write produced, so exec.SinkExecutor can register it.
type Sink interface {
	Write(ctx context.Context, rows []Data) (SinkResult, error)
}

// SinkResult describes the artifact a successful Sink.Write produced.
// ContentHash and SizeBytes are optional; when ContentHash is empty,
// SinkExecutor derives it by hashing rows the same way a transform's output
// is hashed.
type SinkResult struct {
	ArtifactType string
	PathOrURI    string
	ContentHash  string
	SizeBytes    int64
}

// ResumeCapable is the polymorphic resume probe a Sink may additionally
// implement (spec.md §4.8). The Orchestrator checks this up front on resume;
// a sink that does not implement it, or whose ConfigureForResume fails, is a
// hard, up-front resume error.
type ResumeCapable interface {
	SupportsResume() bool
	ConfigureForResume() error
}
