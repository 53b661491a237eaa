package engine

import (
	"time"

	"go.elspeth.dev/audit"
)

// GateConfig is the declarative configuration of a config-driven gate node
// (spec.md §4.6): a condition expression over the row, and the destinations
// each boolean outcome ("true"/"false") routes to. A branch naming more than
// one destination forks the token (Mode must be copy); a single destination
// lets the token continue under move semantics. Gates are not pluggable;
// GateConfig is data the exec package's gate executor compiles and
// evaluates, never a plugin implementation.
type GateConfig struct {
	Condition string
	Routes    map[string][]string
	Mode      audit.EdgeMode
}

// PipelineNode pairs a registered audit.Node with the runtime implementation
// for its kind. Exactly one of the kind-specific fields is set, matching
// Node.NodeType.
type PipelineNode struct {
	Node audit.Node

	Source          Source
	Transform       Transform
	Gate            *GateConfig
	Aggregation     Aggregation
	AggregationTrig *AggregationTrigger
	Sink            Sink

	// FailureDestination names the sink a row routes to when this node
	// produces a non-retryable error and no other routing applies
	// (spec.md §4.9). Empty means the run's error policy applies instead.
	FailureDestination string
}

// AggregationTrigger configures when a buffered batch at an aggregation node
// flushes (spec.md §4.7). Count and Timeout are independently optional;
// Condition, when set, is evaluated the same way a gate condition is. A
// trigger fires when any configured check is satisfied; END_OF_SOURCE is not
// configured here, it is applied unconditionally by the orchestrator.
type AggregationTrigger struct {
	Count     int
	Timeout   time.Duration
	Condition string
}

// Edge is the resolved runtime counterpart of audit.Edge: a label and the
// destination it points at, either "continue" (proceed to the next node in
// sequence) or a sink node's name.
type Edge struct {
	EdgeID      audit.ID
	Label       string
	Destination string
	Mode        audit.EdgeMode
}

// Pipeline is the linearized, near-linear execution graph for one run: an
// ordered node chain plus the outgoing edges each gate/transform may route
// through. Built once at run start from the configured plugin chain and
// never mutated (spec.md §3 "Lifecycles").
type Pipeline struct {
	Nodes []PipelineNode
	Edges map[audit.ID][]Edge // keyed by the node_id the edges originate from

	// Sinks maps a destination name to its index in Nodes, for routing
	// resolution ("continue" excepted, which always means "next node").
	Sinks map[string]int
}

// NodeByID returns the PipelineNode with the given audit node id, and
// whether it was found.
func (p Pipeline) NodeByID(id audit.ID) (PipelineNode, bool) {
	for _, n := range p.Nodes {
		if n.Node.NodeID == id {
			return n, true
		}
	}
	return PipelineNode{}, false
}
