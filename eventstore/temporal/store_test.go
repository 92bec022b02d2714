package temporal

import (
	"context"
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"

	"github.com/eanzhao/aevatar-agent-framework/envelope"
	"github.com/eanzhao/aevatar-agent-framework/eventstore"
)

// fakeEncodedValue assigns a pre-decoded value straight into the caller's
// pointer via reflection, standing in for converter.EncodedValue's real
// payload-deserialization without needing a live Temporal connection.
type fakeEncodedValue struct{ v any }

func (f fakeEncodedValue) Get(valuePtr any) error {
	reflect.ValueOf(valuePtr).Elem().Set(reflect.ValueOf(f.v))
	return nil
}

func (f fakeEncodedValue) HasValue() bool { return f.v != nil }

var _ converter.EncodedValue = fakeEncodedValue{}

// fakeWorkflowClient models exactly the JournalWorkflow semantics
// (compare-and-swap append, overwrite-latest snapshot) against a map
// keyed by workflow ID, so Store's signal-then-poll logic can be
// exercised without a Temporal server or worker.
type fakeWorkflowClient struct {
	mu       sync.Mutex
	started  map[string]bool
	events   map[string][]eventstore.StateEvent
	snapshot map[string]*eventstore.Snapshot
	results  map[string]map[string]requestResult
}

func newFakeWorkflowClient() *fakeWorkflowClient {
	return &fakeWorkflowClient{
		started:  make(map[string]bool),
		events:   make(map[string][]eventstore.StateEvent),
		snapshot: make(map[string]*eventstore.Snapshot),
		results:  make(map[string]map[string]requestResult),
	}
}

func (f *fakeWorkflowClient) SignalWithStartWorkflow(_ context.Context, workflowID, signalName string, signalArg any, _ client.StartWorkflowOptions, _ any, _ ...any) (client.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[workflowID] = true
	if f.results[workflowID] == nil {
		f.results[workflowID] = make(map[string]requestResult)
	}

	switch signalName {
	case SignalAppendEvents:
		req := signalArg.(appendEventsRequest)
		current := uint64(len(f.events[workflowID]))
		if current != req.ExpectedVersion {
			f.results[workflowID][req.RequestID] = requestResult{ErrConflict: true, ActualVersion: current}
			return nil, nil
		}
		for i, evt := range req.Events {
			evt.Version = req.ExpectedVersion + uint64(i) + 1
			f.events[workflowID] = append(f.events[workflowID], evt)
		}
		f.results[workflowID][req.RequestID] = requestResult{Version: uint64(len(f.events[workflowID]))}
	case SignalSaveSnapshot:
		req := signalArg.(saveSnapshotRequest)
		snap := req.Snapshot
		f.snapshot[workflowID] = &snap
		f.results[workflowID][req.RequestID] = requestResult{Version: snap.Version}
	}
	return nil, nil
}

func (f *fakeWorkflowClient) QueryWorkflow(_ context.Context, workflowID, _ string, queryType string, args ...any) (converter.EncodedValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started[workflowID] {
		return nil, serviceerror.NewNotFound("workflow not found")
	}

	switch queryType {
	case QueryLatestVersion:
		return fakeEncodedValue{v: uint64(len(f.events[workflowID]))}, nil
	case QueryEvents:
		fromVersion, toVersion, maxCount := args[0].(uint64), args[1].(uint64), args[2].(int)
		return fakeEncodedValue{v: filterEvents(f.events[workflowID], fromVersion, toVersion, maxCount)}, nil
	case QueryLatestSnapshot:
		return fakeEncodedValue{v: f.snapshot[workflowID]}, nil
	case QueryRequestResult:
		requestID := args[0].(string)
		if res, ok := f.results[workflowID][requestID]; ok {
			return fakeEncodedValue{v: &res}, nil
		}
		return fakeEncodedValue{v: (*requestResult)(nil)}, nil
	}
	return nil, serviceerror.NewNotFound("unknown query type")
}

func newTestStore() (*Store, *fakeWorkflowClient) {
	fake := newFakeWorkflowClient()
	return &Store{client: fake, taskQueue: defaultTaskQueue, pollInterval: 0}, fake
}

func TestStoreAppendEventsAssignsVersionsAndPersists(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()
	agentID := envelope.NewAgentId()

	v, err := store.AppendEvents(ctx, agentID, []eventstore.StateEvent{
		{EventID: envelope.NewEventId(), EventType: "deposit"},
		{EventID: envelope.NewEventId(), EventType: "deposit"},
	}, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(2), v)

	got, err := store.GetEvents(ctx, agentID, 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestStoreAppendEventsRejectsStaleVersion(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()
	agentID := envelope.NewAgentId()

	_, err := store.AppendEvents(ctx, agentID, []eventstore.StateEvent{{EventID: envelope.NewEventId(), EventType: "a"}}, 0)
	require.NoError(t, err)

	_, err = store.AppendEvents(ctx, agentID, []eventstore.StateEvent{{EventID: envelope.NewEventId(), EventType: "b"}}, 0)
	var conflict *eventstore.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, uint64(0), conflict.ExpectedVersion)
	require.Equal(t, uint64(1), conflict.ActualVersion)
}

func TestStoreLatestVersionZeroForUnknownAgent(t *testing.T) {
	store, _ := newTestStore()
	v, err := store.LatestVersion(context.Background(), envelope.NewAgentId())
	require.NoError(t, err)
	require.Equal(t, uint64(0), v)
}

func TestStoreSnapshotRoundTrip(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()
	agentID := envelope.NewAgentId()

	_, err := store.LatestSnapshot(ctx, agentID)
	require.ErrorIs(t, err, eventstore.ErrSnapshotNotFound)

	require.NoError(t, store.SaveSnapshot(ctx, eventstore.Snapshot{AgentID: agentID, Version: 5, StateData: []byte("state-5")}))

	snap, err := store.LatestSnapshot(ctx, agentID)
	require.NoError(t, err)
	require.Equal(t, uint64(5), snap.Version)
	require.Equal(t, []byte("state-5"), snap.StateData)
}
