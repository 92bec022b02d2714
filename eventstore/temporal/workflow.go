// Package temporal implements eventstore.Store on top of a long-lived
// Temporal workflow per agent: the workflow execution itself is the
// journal, and Temporal's own event history gives us the durability and
// replay the in-memory and Mongo implementations otherwise have to build
// by hand. This mirrors how runtime/agent/engine/temporal/engine.go treats
// a Temporal workflow as the engine's unit of durable execution, applied
// here to a single agent's append-only log instead of an agent run.
package temporal

import (
	"fmt"

	"go.temporal.io/sdk/workflow"

	"github.com/eanzhao/aevatar-agent-framework/envelope"
	"github.com/eanzhao/aevatar-agent-framework/eventstore"
)

const (
	// SignalAppendEvents delivers an appendEventsRequest.
	SignalAppendEvents = "eventstore.appendEvents"
	// SignalSaveSnapshot delivers a saveSnapshotRequest.
	SignalSaveSnapshot = "eventstore.saveSnapshot"

	// QueryLatestVersion returns the journal's current version (uint64).
	QueryLatestVersion = "eventstore.latestVersion"
	// QueryEvents takes (fromVersion, toVersion uint64, maxCount int) and
	// returns []eventstore.StateEvent.
	QueryEvents = "eventstore.events"
	// QueryLatestSnapshot returns *eventstore.Snapshot, nil if none saved.
	QueryLatestSnapshot = "eventstore.latestSnapshot"
	// QueryRequestResult takes a requestID and returns *requestResult, nil
	// if that request hasn't been processed yet. Store polls this after
	// every signal to turn the fire-and-forget signal into a synchronous
	// call without requiring Temporal's Update API.
	QueryRequestResult = "eventstore.requestResult"

	// maxEventsBeforeContinueAsNew bounds how many events a single workflow
	// run appends before it hands off to a fresh run via continue-as-new,
	// carrying JournalState forward untouched.
	maxEventsBeforeContinueAsNew = 500
)

// appendEventsRequest is the SignalAppendEvents payload.
type appendEventsRequest struct {
	RequestID       string
	Events          []eventstore.StateEvent
	ExpectedVersion uint64
}

// saveSnapshotRequest is the SignalSaveSnapshot payload.
type saveSnapshotRequest struct {
	RequestID string
	Snapshot  eventstore.Snapshot
}

// requestResult is what QueryRequestResult hands back for a processed
// signal: either the resulting version, or a conflict against
// ActualVersion.
type requestResult struct {
	Version       uint64
	ErrConflict   bool
	ActualVersion uint64
}

// JournalState is the workflow's durable state, carried across
// continue-as-new boundaries as the workflow's own input.
type JournalState struct {
	AgentID  envelope.AgentId
	Events   []eventstore.StateEvent
	Snapshot *eventstore.Snapshot
}

// JournalWorkflow is the entity workflow backing one agent's event journal.
// Exactly one execution runs per agent at a time, workflow ID
// "journal-"+agentID (see Store.workflowID). It never returns on its own;
// it loops serving signals and queries until continue-as-new hands off to
// a successor run, or the host cancels it during shutdown.
func JournalWorkflow(ctx workflow.Context, state JournalState) error {
	results := make(map[string]requestResult)

	if err := workflow.SetQueryHandler(ctx, QueryLatestVersion, func() (uint64, error) {
		return uint64(len(state.Events)), nil
	}); err != nil {
		return fmt.Errorf("eventstore/temporal: register %s query handler: %w", QueryLatestVersion, err)
	}

	if err := workflow.SetQueryHandler(ctx, QueryEvents, func(fromVersion, toVersion uint64, maxCount int) ([]eventstore.StateEvent, error) {
		return filterEvents(state.Events, fromVersion, toVersion, maxCount), nil
	}); err != nil {
		return fmt.Errorf("eventstore/temporal: register %s query handler: %w", QueryEvents, err)
	}

	if err := workflow.SetQueryHandler(ctx, QueryLatestSnapshot, func() (*eventstore.Snapshot, error) {
		return state.Snapshot, nil
	}); err != nil {
		return fmt.Errorf("eventstore/temporal: register %s query handler: %w", QueryLatestSnapshot, err)
	}

	if err := workflow.SetQueryHandler(ctx, QueryRequestResult, func(requestID string) (*requestResult, error) {
		if res, ok := results[requestID]; ok {
			return &res, nil
		}
		return nil, nil
	}); err != nil {
		return fmt.Errorf("eventstore/temporal: register %s query handler: %w", QueryRequestResult, err)
	}

	appendCh := workflow.GetSignalChannel(ctx, SignalAppendEvents)
	snapshotCh := workflow.GetSignalChannel(ctx, SignalSaveSnapshot)

	appendedThisRun := 0
	for {
		if appendedThisRun >= maxEventsBeforeContinueAsNew {
			return workflow.NewContinueAsNewError(ctx, JournalWorkflow, state)
		}

		selector := workflow.NewSelector(ctx)
		selector.AddReceive(appendCh, func(c workflow.ReceiveChannel, _ bool) {
			var req appendEventsRequest
			c.Receive(ctx, &req)
			current := uint64(len(state.Events))
			if current != req.ExpectedVersion {
				results[req.RequestID] = requestResult{ErrConflict: true, ActualVersion: current}
				return
			}
			for i, evt := range req.Events {
				evt.AgentID = state.AgentID
				evt.Version = req.ExpectedVersion + uint64(i) + 1
				state.Events = append(state.Events, evt)
			}
			appendedThisRun += len(req.Events)
			results[req.RequestID] = requestResult{Version: uint64(len(state.Events))}
		})
		selector.AddReceive(snapshotCh, func(c workflow.ReceiveChannel, _ bool) {
			var req saveSnapshotRequest
			c.Receive(ctx, &req)
			snap := req.Snapshot
			state.Snapshot = &snap
			results[req.RequestID] = requestResult{Version: snap.Version}
		})
		selector.Select(ctx)
	}
}

func filterEvents(events []eventstore.StateEvent, fromVersion, toVersion uint64, maxCount int) []eventstore.StateEvent {
	var out []eventstore.StateEvent
	for _, evt := range events {
		if evt.Version < fromVersion {
			continue
		}
		if toVersion > 0 && evt.Version > toVersion {
			break
		}
		out = append(out, evt)
		if maxCount > 0 && len(out) >= maxCount {
			break
		}
	}
	return out
}
