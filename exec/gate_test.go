package exec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.elspeth.dev/audit"
	"go.elspeth.dev/engine"
)

func TestGateExecutor_SingleRouteRecordsOneRoutingEvent(t *testing.T) {
	rec := newFakeRecorder()
	g := &GateExecutor{Recorder: rec}
	cfg := engine.GateConfig{
		Condition: "row.score > 3",
		Routes:    map[string][]string{"true": {"high"}, "false": {"low"}},
		Mode:      audit.ModeMove,
	}
	edges := map[string]engine.Edge{
		"high": {EdgeID: "e-high", Label: "high", Destination: "high", Mode: audit.ModeMove},
		"low":  {EdgeID: "e-low", Label: "low", Destination: "low", Mode: audit.ModeMove},
	}

	res := g.Execute(context.Background(), audit.Node{NodeID: "g1", RunID: "r1"}, engine.TokenRef{TokenID: "t1", RowID: "row1"}, 0, engine.Data{"score": 5.0}, cfg, edges)

	require.NoError(t, res.Err)
	require.Len(t, res.Edges, 1)
	assert.Equal(t, "e-high", res.Edges[0].EdgeID)
	assert.True(t, res.Reason.Result.(bool))
	require.Len(t, rec.routingEvents, 1)
	assert.Equal(t, "e-high", rec.routingEvents[0].EdgeID)
	assert.Equal(t, audit.StateCompleted, rec.closedStates[res.StateID])
}

func TestGateExecutor_NoMatchingRouteRecordsNoEvents(t *testing.T) {
	rec := newFakeRecorder()
	g := &GateExecutor{Recorder: rec}
	cfg := engine.GateConfig{
		Condition: "row.score > 3",
		Routes:    map[string][]string{"true": {"high"}},
		Mode:      audit.ModeMove,
	}
	edges := map[string]engine.Edge{
		"high": {EdgeID: "e-high", Label: "high", Destination: "high", Mode: audit.ModeMove},
	}

	res := g.Execute(context.Background(), audit.Node{NodeID: "g1", RunID: "r1"}, engine.TokenRef{TokenID: "t1", RowID: "row1"}, 0, engine.Data{"score": 1.0}, cfg, edges)

	require.NoError(t, res.Err)
	assert.Empty(t, res.Edges)
	assert.Empty(t, rec.routingEvents)
}

func TestGateExecutor_MultiRouteRequiresCopyMode(t *testing.T) {
	rec := newFakeRecorder()
	g := &GateExecutor{Recorder: rec}
	cfg := engine.GateConfig{
		Condition: "row.score > 3",
		Routes:    map[string][]string{"true": {"high", "also-high"}},
		Mode:      audit.ModeMove,
	}
	edges := map[string]engine.Edge{
		"high":      {EdgeID: "e1", Label: "high", Destination: "high", Mode: audit.ModeCopy},
		"also-high": {EdgeID: "e2", Label: "also-high", Destination: "also-high", Mode: audit.ModeCopy},
	}

	res := g.Execute(context.Background(), audit.Node{NodeID: "g1", RunID: "r1"}, engine.TokenRef{TokenID: "t1", RowID: "row1"}, 0, engine.Data{"score": 5.0}, cfg, edges)

	require.Error(t, res.Err)
}
