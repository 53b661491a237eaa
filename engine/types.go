// Package engine defines the in-flight data shapes and plugin contracts the
// row processor and executors operate on: the row payload, the tagged-union
// result types plugins return, and the small interfaces a transform, gate,
// aggregation plugin, source, or sink must satisfy. Audit persistence lives
// entirely in package audit; engine never imports a database driver.
package engine

import "go.elspeth.dev/audit"

// Data is one row's payload: a decoded, mutable field map. It is what
// plugins read and return; audit.Row only tracks its hash/lineage, never the
// payload itself (the payload is inlined or stored by a payload.Store and
// referenced by hash).
type Data map[string]any

// Clone returns a shallow copy, used whenever a row is forked into multiple
// downstream branches so each branch can be mutated independently.
func (d Data) Clone() Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// TransformResult is the tagged-union result of a transform or aggregation
// plugin invocation (spec.md §4.5). Exactly one of Row/Rows is set on
// success; Err is set on failure. Fields are optional rather than a sealed
// interface so the zero value is meaningful and JSON round-trips cleanly for
// audit logging.
type TransformResult struct {
	Row  *Data
	Rows []Data
	Err  *TransformError
}

// Success reports whether the result represents a successful transform.
func (r TransformResult) Success() bool { return r.Err == nil }

// Branches returns the downstream row branches this result produces. A
// single Row produces one branch (the current token continues unchanged);
// Rows produces len(Rows) branches (the current token forks by ordinal).
func (r TransformResult) Branches() []Data {
	if r.Row != nil {
		return []Data{*r.Row}
	}
	return r.Rows
}

// TransformError carries a structured failure reason and whether the retry
// manager may re-invoke the plugin for it.
type TransformError struct {
	Reason    string
	Retryable bool
}

func (e *TransformError) Error() string { return e.Reason }

// RoutingReason is a discriminated union distinguished by field presence
// (spec.md §9 "Sum types for results"): exactly one of ConfigGate/PluginGate
// is set, describing why a gate or plugin selected a route.
type RoutingReason struct {
	ConfigGate *ConfigGateReason
	PluginGate *PluginGateReason
}

// ConfigGateReason is the reason recorded for a config-driven gate node: the
// condition expression text and its evaluated result.
type ConfigGateReason struct {
	Condition string
	Result    any
}

// PluginGateReason is the reason a plugin-internal routing decision
// (e.g. a transform's own branch selection) gives for its choice.
type PluginGateReason struct {
	Rule       string
	MatchedValue any
	Threshold  *float64
	Field      *string
	Comparison *string
}

// TokenRef is the minimal token identity the row processor threads through
// executor calls: the audit token id plus the row it descends from.
type TokenRef struct {
	TokenID audit.ID
	RowID   audit.ID
}
