package exec

import (
	"fmt"
	"strconv"
	"strings"

	"go.elspeth.dev/engine"
)

// Condition is a small, config-driven boolean expression over a row field:
// "row.<field> <op> <value>". It intentionally does not grow into a general
// expression language — gates are not pluggable per spec.md §4.6, and the
// set of comparisons a routing decision needs is small and closed.
type Condition struct {
	Field string
	Op    string
	Value float64
}

// ParseCondition parses "row.score > 3" style expressions. The "row." prefix
// on the field is accepted and stripped; a bare field name works the same.
func ParseCondition(expr string) (Condition, error) {
	fields := strings.Fields(expr)
	if len(fields) != 3 {
		return Condition{}, fmt.Errorf("exec: condition %q: expected \"field op value\"", expr)
	}
	field := strings.TrimPrefix(fields[0], "row.")
	op := fields[1]
	switch op {
	case ">", "<", ">=", "<=", "==", "!=":
	default:
		return Condition{}, fmt.Errorf("exec: condition %q: unsupported operator %q", expr, op)
	}
	value, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return Condition{}, fmt.Errorf("exec: condition %q: value must be numeric: %w", expr, err)
	}
	return Condition{Field: field, Op: op, Value: value}, nil
}

// Evaluate reports whether row satisfies the condition. A missing or
// non-numeric field evaluates to false rather than erroring, matching a gate's
// "never mutates, never aborts the row" contract.
func (c Condition) Evaluate(row engine.Data) bool {
	raw, ok := row[c.Field]
	if !ok {
		return false
	}
	v, ok := toFloat(raw)
	if !ok {
		return false
	}
	switch c.Op {
	case ">":
		return v > c.Value
	case "<":
		return v < c.Value
	case ">=":
		return v >= c.Value
	case "<=":
		return v <= c.Value
	case "==":
		return v == c.Value
	case "!=":
		return v != c.Value
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
