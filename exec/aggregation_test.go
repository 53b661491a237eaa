package exec

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.elspeth.dev/audit"
	"go.elspeth.dev/engine"
)

type stubAggregation struct {
	result engine.TransformResult
	err    error
}

func (s stubAggregation) Flush(ctx context.Context, pctx engine.PluginContext, rows []engine.Data) (engine.TransformResult, error) {
	return s.result, s.err
}
func (s stubAggregation) RestoreState(state []byte) error { return nil }
func (s stubAggregation) GetRestoredState() []byte         { return nil }

func TestAggregationExecutor_CountTriggerFlushesOnNthRow(t *testing.T) {
	rec := newFakeRecorder()
	e := NewAggregationExecutor(rec)
	node := audit.Node{NodeID: "agg1", RunID: "r1"}
	trig := engine.AggregationTrigger{Count: 3}
	out := engine.Data{"sum": 6.0}
	plugin := stubAggregation{result: engine.TransformResult{Row: &out}}

	var last FlushResult
	for i := 0; i < 3; i++ {
		last = e.Accept(context.Background(), node, trig, engine.TokenRef{TokenID: tokenID(i), RowID: "row"}, engine.Data{"v": float64(i + 1)}, plugin)
		if i < 2 {
			require.NoError(t, last.Err)
			assert.False(t, last.Flushed)
		}
	}

	require.NoError(t, last.Err)
	assert.True(t, last.Flushed)
	require.Len(t, last.Branches, 1)
	assert.Equal(t, 6.0, last.Branches[0]["sum"])
	require.Len(t, rec.batchMembers, 3)
	assert.Equal(t, audit.BatchCompleted, rec.batches[rec.batchMembers[0].BatchID].Status)
}

func TestAggregationExecutor_FlushEndOfSourceIsNoOpWhenEmpty(t *testing.T) {
	rec := newFakeRecorder()
	e := NewAggregationExecutor(rec)
	node := audit.Node{NodeID: "agg1", RunID: "r1"}
	plugin := stubAggregation{}

	res := e.FlushEndOfSource(context.Background(), node, plugin)

	assert.False(t, res.Flushed)
	require.NoError(t, res.Err)
	assert.Empty(t, rec.batchMembers)
}

func TestAggregationExecutor_FlushEndOfSourceFlushesPartialBuffer(t *testing.T) {
	rec := newFakeRecorder()
	e := NewAggregationExecutor(rec)
	node := audit.Node{NodeID: "agg1", RunID: "r1"}
	trig := engine.AggregationTrigger{Count: 10}
	out := engine.Data{"sum": 4.0}
	plugin := stubAggregation{result: engine.TransformResult{Row: &out}}

	accept := e.Accept(context.Background(), node, trig, engine.TokenRef{TokenID: "t1", RowID: "row"}, engine.Data{"v": 4.0}, plugin)
	require.NoError(t, accept.Err)
	assert.False(t, accept.Flushed)

	res := e.FlushEndOfSource(context.Background(), node, plugin)

	require.NoError(t, res.Err)
	assert.True(t, res.Flushed)
	assert.Equal(t, 4.0, res.Branches[0]["sum"])
}

func TestAggregationExecutor_PluginFailureTransitionsBatchFailed(t *testing.T) {
	rec := newFakeRecorder()
	e := NewAggregationExecutor(rec)
	node := audit.Node{NodeID: "agg1", RunID: "r1"}
	trig := engine.AggregationTrigger{Count: 1}
	plugin := stubAggregation{result: engine.TransformResult{Err: &engine.TransformError{Reason: "bad batch"}}}

	res := e.Accept(context.Background(), node, trig, engine.TokenRef{TokenID: "t1", RowID: "row"}, engine.Data{"v": 1.0}, plugin)

	require.Error(t, res.Err)
	require.Len(t, rec.batchMembers, 1)
	assert.Equal(t, audit.BatchFailed, rec.batches[rec.batchMembers[0].BatchID].Status)
}

func tokenID(i int) audit.ID {
	return audit.ID(fmt.Sprintf("tok-%d", i))
}

// fakeFence is an in-memory Fence double recording SetNX/Del calls, standing
// in for exec.RedisFence in tests that don't want a live Redis.
type fakeFence struct {
	held map[string]bool
	sets []string
	dels []string
}

func newFakeFence() *fakeFence { return &fakeFence{held: map[string]bool{}} }

func (f *fakeFence) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	f.sets = append(f.sets, key)
	if f.held[key] {
		return false, nil
	}
	f.held[key] = true
	return true, nil
}

func (f *fakeFence) Del(ctx context.Context, keys ...string) (int64, error) {
	f.dels = append(f.dels, keys...)
	for _, k := range keys {
		delete(f.held, k)
	}
	return int64(len(keys)), nil
}

// TestAggregationExecutor_FenceAcquiredAndReleasedAroundFlush covers the
// domain-stack wiring in fence.go: when Fence is set, a flush acquires and
// releases the batch's fence key exactly once.
func TestAggregationExecutor_FenceAcquiredAndReleasedAroundFlush(t *testing.T) {
	rec := newFakeRecorder()
	e := NewAggregationExecutor(rec)
	fence := newFakeFence()
	e.Fence = fence
	node := audit.Node{NodeID: "agg1", RunID: "r1"}
	trig := engine.AggregationTrigger{Count: 1}
	out := engine.Data{"sum": 1.0}
	plugin := stubAggregation{result: engine.TransformResult{Row: &out}}

	res := e.Accept(context.Background(), node, trig, engine.TokenRef{TokenID: "t1", RowID: "row"}, engine.Data{"v": 1.0}, plugin)

	require.NoError(t, res.Err)
	assert.True(t, res.Flushed)
	require.Len(t, fence.sets, 1)
	require.Len(t, fence.dels, 1)
	assert.Equal(t, fence.sets[0], fence.dels[0])
	assert.Empty(t, fence.held)
}

// TestAggregationExecutor_NilFenceSkipsLockingWithoutError documents that a
// nil Fence (the default) flushes exactly as before fence.go existed.
func TestAggregationExecutor_NilFenceSkipsLockingWithoutError(t *testing.T) {
	rec := newFakeRecorder()
	e := NewAggregationExecutor(rec)
	node := audit.Node{NodeID: "agg1", RunID: "r1"}
	trig := engine.AggregationTrigger{Count: 1}
	out := engine.Data{"sum": 1.0}
	plugin := stubAggregation{result: engine.TransformResult{Row: &out}}

	res := e.Accept(context.Background(), node, trig, engine.TokenRef{TokenID: "t1", RowID: "row"}, engine.Data{"v": 1.0}, plugin)

	require.NoError(t, res.Err)
	assert.True(t, res.Flushed)
}

// TestAggregationExecutor_RestoreBatchCarriesRecoveredRowsIntoFlush covers
// the crash-mid-flush resume scenario (spec.md §8 S5): a batch that crashed
// after its flush attempt opened a NodeState is restored with the row
// content recovered from that attempt's context_before, not empty rows, so
// the retried flush re-sums the original buffered values rather than zeros.
func TestAggregationExecutor_RestoreBatchCarriesRecoveredRowsIntoFlush(t *testing.T) {
	rec := newFakeRecorder()
	e := NewAggregationExecutor(rec)
	node := audit.Node{NodeID: "agg1", RunID: "r1"}
	out := engine.Data{"sum": 6.0}
	plugin := stubAggregation{result: engine.TransformResult{Row: &out}}

	batch := audit.Batch{BatchID: "b1", RunID: "r1", AggregationNodeID: "agg1", Attempt: 1, Status: audit.BatchDraft}
	members := []audit.BatchMember{
		{BatchID: "b1", TokenID: "tok-0", Ordinal: 0},
		{BatchID: "b1", TokenID: "tok-1", Ordinal: 1},
		{BatchID: "b1", TokenID: "tok-2", Ordinal: 2},
	}
	recoveredRows := []engine.Data{{"v": 1.0}, {"v": 2.0}, {"v": 3.0}}

	e.RestoreBatch(node, batch, members, recoveredRows)

	res := e.FlushEndOfSource(context.Background(), node, plugin)

	require.NoError(t, res.Err)
	assert.True(t, res.Flushed)
	require.Len(t, res.Branches, 1)
	assert.Equal(t, 6.0, res.Branches[0]["sum"])
}

// TestAggregationExecutor_RestoreBatchWithoutRecoveredRowsLeavesThemEmpty
// documents the accepted limitation for a batch that crashed before ever
// reaching its first flush attempt: no row content was ever durably
// recorded for it, so restoring it without recovered rows leaves empty row
// maps rather than fabricating data.
func TestAggregationExecutor_RestoreBatchWithoutRecoveredRowsLeavesThemEmpty(t *testing.T) {
	rec := newFakeRecorder()
	e := NewAggregationExecutor(rec)
	node := audit.Node{NodeID: "agg1", RunID: "r1"}
	out := engine.Data{"sum": 0.0}
	plugin := stubAggregation{result: engine.TransformResult{Row: &out}}

	batch := audit.Batch{BatchID: "b2", RunID: "r1", AggregationNodeID: "agg1", Attempt: 0, Status: audit.BatchDraft}
	members := []audit.BatchMember{{BatchID: "b2", TokenID: "tok-0", Ordinal: 0}}

	e.RestoreBatch(node, batch, members, nil)

	res := e.FlushEndOfSource(context.Background(), node, plugin)

	require.NoError(t, res.Err)
	assert.True(t, res.Flushed)
}
