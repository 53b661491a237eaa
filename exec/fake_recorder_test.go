package exec

import (
	"context"
	"time"

	"go.elspeth.dev/audit"
)

// fakeRecorder is an in-memory audit.Recorder double for exercising
// executors without a database, recording every call it receives so tests
// can assert on ordering and content.
type fakeRecorder struct {
	states         []audit.NodeState
	closedStates   map[audit.ID]audit.NodeStateStatus
	routingEvents  []audit.RoutingEvent
	calls          []audit.Call
	batches        map[audit.ID]audit.Batch
	batchMembers   []audit.BatchMember
	artifacts      []audit.Artifact
	forkCalls      int
	closeErr       error
	openStateErr   error
	transitionErr  error
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		closedStates: make(map[audit.ID]audit.NodeStateStatus),
		batches:      make(map[audit.ID]audit.Batch),
	}
}

func (f *fakeRecorder) StartRun(ctx context.Context, r audit.Run) error { return nil }
func (f *fakeRecorder) CompleteRun(ctx context.Context, runID audit.ID, status audit.RunStatus, grade audit.ReproducibilityGrade, completedAt time.Time) error {
	return nil
}
func (f *fakeRecorder) ResumeRun(ctx context.Context, runID audit.ID) error { return nil }
func (f *fakeRecorder) RegisterNode(ctx context.Context, n audit.Node) error { return nil }
func (f *fakeRecorder) RegisterEdge(ctx context.Context, e audit.Edge) error { return nil }
func (f *fakeRecorder) RecordRow(ctx context.Context, r audit.Row) error     { return nil }
func (f *fakeRecorder) RecordToken(ctx context.Context, t audit.Token, parents []audit.TokenParent) error {
	return nil
}

func (f *fakeRecorder) OpenNodeState(ctx context.Context, s audit.NodeState) error {
	if f.openStateErr != nil {
		return f.openStateErr
	}
	f.states = append(f.states, s)
	return nil
}

func (f *fakeRecorder) CloseNodeState(ctx context.Context, stateID audit.ID, status audit.NodeStateStatus, outputHash *string, contextAfter []byte, durationMs *int64, completedAt time.Time, errJSON []byte) error {
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closedStates[stateID] = status
	return nil
}

func (f *fakeRecorder) RecordRoutingEvents(ctx context.Context, events []audit.RoutingEvent) error {
	f.routingEvents = append(f.routingEvents, events...)
	return nil
}

func (f *fakeRecorder) ForkToken(ctx context.Context, parentTokenID audit.ID, rowID audit.ID, branches []string, newTokenIDs []audit.ID) ([]audit.Token, error) {
	f.forkCalls++
	toks := make([]audit.Token, len(newTokenIDs))
	for i, id := range newTokenIDs {
		toks[i] = audit.Token{TokenID: id, RowID: rowID}
	}
	return toks, nil
}

func (f *fakeRecorder) CoalesceToken(ctx context.Context, newTokenID audit.ID, parentTokenIDs []audit.ID, rowID audit.ID) (audit.Token, error) {
	return audit.Token{TokenID: newTokenID, RowID: rowID}, nil
}

func (f *fakeRecorder) OpenBatch(ctx context.Context, b audit.Batch) error {
	f.batches[b.BatchID] = b
	return nil
}

func (f *fakeRecorder) TransitionBatch(ctx context.Context, batchID audit.ID, next audit.BatchStatus, completedAt *time.Time) error {
	if f.transitionErr != nil {
		return f.transitionErr
	}
	b := f.batches[batchID]
	b.Status = next
	f.batches[batchID] = b
	return nil
}

func (f *fakeRecorder) AddBatchMember(ctx context.Context, m audit.BatchMember) error {
	f.batchMembers = append(f.batchMembers, m)
	return nil
}

func (f *fakeRecorder) RecordBatchOutput(ctx context.Context, o audit.BatchOutput) error { return nil }

func (f *fakeRecorder) RetryBatch(ctx context.Context, originalBatchID, newBatchID audit.ID) (audit.Batch, error) {
	return audit.Batch{}, nil
}

func (f *fakeRecorder) RecordCall(ctx context.Context, c audit.Call) error {
	f.calls = append(f.calls, c)
	return nil
}

func (f *fakeRecorder) RecordArtifact(ctx context.Context, a audit.Artifact) error {
	f.artifacts = append(f.artifacts, a)
	return nil
}

func (f *fakeRecorder) WriteCheckpoint(ctx context.Context, c audit.Checkpoint) error { return nil }
