package temporal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/eanzhao/aevatar-agent-framework/envelope"
	"github.com/eanzhao/aevatar-agent-framework/eventstore"
)

func TestJournalWorkflowAppendQueryAndConflict(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	agentID := envelope.NewAgentId()

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalAppendEvents, appendEventsRequest{
			RequestID:       "req-1",
			Events:          []eventstore.StateEvent{{EventID: envelope.NewEventId(), EventType: "deposit"}},
			ExpectedVersion: 0,
		})
	}, time.Millisecond)

	env.RegisterDelayedCallback(func() {
		val, err := env.QueryWorkflow(QueryRequestResult, "req-1")
		require.NoError(t, err)
		var res *requestResult
		require.NoError(t, val.Get(&res))
		require.NotNil(t, res)
		require.False(t, res.ErrConflict)
		require.Equal(t, uint64(1), res.Version)

		// Stale expectedVersion must be rejected, not silently applied.
		env.SignalWorkflow(SignalAppendEvents, appendEventsRequest{
			RequestID:       "req-2",
			Events:          []eventstore.StateEvent{{EventID: envelope.NewEventId(), EventType: "withdraw"}},
			ExpectedVersion: 0,
		})
	}, 2*time.Millisecond)

	env.RegisterDelayedCallback(func() {
		val, err := env.QueryWorkflow(QueryRequestResult, "req-2")
		require.NoError(t, err)
		var res *requestResult
		require.NoError(t, val.Get(&res))
		require.NotNil(t, res)
		require.True(t, res.ErrConflict)
		require.Equal(t, uint64(1), res.ActualVersion)

		versionVal, err := env.QueryWorkflow(QueryLatestVersion)
		require.NoError(t, err)
		var version uint64
		require.NoError(t, versionVal.Get(&version))
		require.Equal(t, uint64(1), version, "the rejected batch must not have been applied")

		eventsVal, err := env.QueryWorkflow(QueryEvents, uint64(1), uint64(0), 0)
		require.NoError(t, err)
		var events []eventstore.StateEvent
		require.NoError(t, eventsVal.Get(&events))
		require.Len(t, events, 1)
		require.Equal(t, "deposit", events[0].EventType)
	}, 3*time.Millisecond)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalSaveSnapshot, saveSnapshotRequest{
			RequestID: "req-3",
			Snapshot:  eventstore.Snapshot{AgentID: agentID, Version: 1, StateData: []byte("balance=100")},
		})
	}, 4*time.Millisecond)

	env.RegisterDelayedCallback(func() {
		snapVal, err := env.QueryWorkflow(QueryLatestSnapshot)
		require.NoError(t, err)
		var snap *eventstore.Snapshot
		require.NoError(t, snapVal.Get(&snap))
		require.NotNil(t, snap)
		require.Equal(t, uint64(1), snap.Version)
		require.Equal(t, []byte("balance=100"), snap.StateData)

		env.CancelWorkflow()
	}, 5*time.Millisecond)

	env.ExecuteWorkflow(JournalWorkflow, JournalState{AgentID: agentID})
	require.True(t, env.IsWorkflowCompleted())
}
