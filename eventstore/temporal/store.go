package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
	"go.temporal.io/sdk/worker"

	"github.com/eanzhao/aevatar-agent-framework/envelope"
	"github.com/eanzhao/aevatar-agent-framework/eventstore"
)

const (
	defaultTaskQueue    = "eventstore-journal"
	defaultPollInterval = 50 * time.Millisecond
	workflowIDPrefix    = "journal-"
)

// workflowClient is the slice of client.Client Store depends on, narrowed
// so tests can substitute a fake instead of a live Temporal connection —
// the same seam eventstore/mongo's collection interface uses against the
// Mongo driver.
type workflowClient interface {
	SignalWithStartWorkflow(ctx context.Context, workflowID, signalName string, signalArg any, options client.StartWorkflowOptions, workflowFunc any, workflowArgs ...any) (client.WorkflowRun, error)
	QueryWorkflow(ctx context.Context, workflowID, runID, queryType string, args ...any) (converter.EncodedValue, error)
}

// Options configures the Temporal-backed Store.
type Options struct {
	// Client is a connected Temporal client. Required.
	Client client.Client
	// TaskQueue is the task queue journal workflows run on. Defaults to
	// "eventstore-journal". A worker must be registered (see
	// RegisterWorker) on this same queue.
	TaskQueue string
	// PollInterval controls how often Store polls QueryRequestResult while
	// waiting for a signal to take effect. Defaults to 50ms.
	PollInterval time.Duration
}

// Store is an eventstore.Store backed by one JournalWorkflow execution per
// agent.
type Store struct {
	client       workflowClient
	taskQueue    string
	pollInterval time.Duration
}

var _ eventstore.Store = (*Store)(nil)

// New returns a Store that signals and queries journal workflows over opts.Client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("eventstore/temporal: client is required")
	}
	taskQueue := opts.TaskQueue
	if taskQueue == "" {
		taskQueue = defaultTaskQueue
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Store{client: opts.Client, taskQueue: taskQueue, pollInterval: pollInterval}, nil
}

// RegisterWorker registers JournalWorkflow on w. Call this once per worker
// process hosting journal workflows, on the same task queue Store was
// configured with.
func RegisterWorker(w worker.Worker) {
	w.RegisterWorkflow(JournalWorkflow)
}

func (s *Store) workflowID(agentID envelope.AgentId) string {
	return workflowIDPrefix + agentID.String()
}

// AppendEvents implements eventstore.Store.
func (s *Store) AppendEvents(ctx context.Context, agentID envelope.AgentId, events []eventstore.StateEvent, expectedVersion uint64) (uint64, error) {
	if len(events) == 0 {
		return s.LatestVersion(ctx, agentID)
	}
	requestID := envelope.NewEventId().String()
	req := appendEventsRequest{RequestID: requestID, Events: events, ExpectedVersion: expectedVersion}
	wfID := s.workflowID(agentID)
	if _, err := s.client.SignalWithStartWorkflow(ctx, wfID, SignalAppendEvents, req,
		client.StartWorkflowOptions{ID: wfID, TaskQueue: s.taskQueue},
		JournalWorkflow, JournalState{AgentID: agentID}); err != nil {
		return 0, fmt.Errorf("eventstore/temporal: signal append for %s: %w", agentID, err)
	}

	res, err := s.awaitResult(ctx, wfID, requestID)
	if err != nil {
		return 0, err
	}
	if res.ErrConflict {
		return 0, &eventstore.ConcurrencyConflictError{AgentID: agentID, ExpectedVersion: expectedVersion, ActualVersion: res.ActualVersion}
	}
	return res.Version, nil
}

// GetEvents implements eventstore.Store.
func (s *Store) GetEvents(ctx context.Context, agentID envelope.AgentId, fromVersion, toVersion uint64, maxCount int) ([]eventstore.StateEvent, error) {
	val, err := s.client.QueryWorkflow(ctx, s.workflowID(agentID), "", QueryEvents, fromVersion, toVersion, maxCount)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventstore/temporal: get events for %s: %w", agentID, err)
	}
	var events []eventstore.StateEvent
	if err := val.Get(&events); err != nil {
		return nil, fmt.Errorf("eventstore/temporal: decode events for %s: %w", agentID, err)
	}
	return events, nil
}

// LatestVersion implements eventstore.Store.
func (s *Store) LatestVersion(ctx context.Context, agentID envelope.AgentId) (uint64, error) {
	val, err := s.client.QueryWorkflow(ctx, s.workflowID(agentID), "", QueryLatestVersion)
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("eventstore/temporal: latest version for %s: %w", agentID, err)
	}
	var v uint64
	if err := val.Get(&v); err != nil {
		return 0, fmt.Errorf("eventstore/temporal: decode latest version for %s: %w", agentID, err)
	}
	return v, nil
}

// SaveSnapshot implements eventstore.Store.
func (s *Store) SaveSnapshot(ctx context.Context, snapshot eventstore.Snapshot) error {
	requestID := envelope.NewEventId().String()
	req := saveSnapshotRequest{RequestID: requestID, Snapshot: snapshot}
	wfID := s.workflowID(snapshot.AgentID)
	if _, err := s.client.SignalWithStartWorkflow(ctx, wfID, SignalSaveSnapshot, req,
		client.StartWorkflowOptions{ID: wfID, TaskQueue: s.taskQueue},
		JournalWorkflow, JournalState{AgentID: snapshot.AgentID}); err != nil {
		return fmt.Errorf("eventstore/temporal: signal snapshot for %s: %w", snapshot.AgentID, err)
	}
	_, err := s.awaitResult(ctx, wfID, requestID)
	return err
}

// LatestSnapshot implements eventstore.Store.
func (s *Store) LatestSnapshot(ctx context.Context, agentID envelope.AgentId) (eventstore.Snapshot, error) {
	val, err := s.client.QueryWorkflow(ctx, s.workflowID(agentID), "", QueryLatestSnapshot)
	if err != nil {
		if isNotFound(err) {
			return eventstore.Snapshot{}, eventstore.ErrSnapshotNotFound
		}
		return eventstore.Snapshot{}, fmt.Errorf("eventstore/temporal: latest snapshot for %s: %w", agentID, err)
	}
	var snap *eventstore.Snapshot
	if err := val.Get(&snap); err != nil {
		return eventstore.Snapshot{}, fmt.Errorf("eventstore/temporal: decode latest snapshot for %s: %w", agentID, err)
	}
	if snap == nil {
		return eventstore.Snapshot{}, eventstore.ErrSnapshotNotFound
	}
	return *snap, nil
}

// awaitResult polls QueryRequestResult until the workflow records an
// outcome for requestID, turning the signal into a synchronous call.
func (s *Store) awaitResult(ctx context.Context, wfID, requestID string) (requestResult, error) {
	interval := s.pollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		val, err := s.client.QueryWorkflow(ctx, wfID, "", QueryRequestResult, requestID)
		if err != nil {
			return requestResult{}, fmt.Errorf("eventstore/temporal: query result for %s: %w", requestID, err)
		}
		var res *requestResult
		if err := val.Get(&res); err != nil {
			return requestResult{}, fmt.Errorf("eventstore/temporal: decode result for %s: %w", requestID, err)
		}
		if res != nil {
			return *res, nil
		}
		select {
		case <-ctx.Done():
			return requestResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func isNotFound(err error) bool {
	var nf *serviceerror.NotFound
	return errors.As(err, &nf)
}
