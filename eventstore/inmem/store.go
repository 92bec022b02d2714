// Package inmem provides an in-memory implementation of eventstore.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (see eventstore/mongo,
// eventstore/temporal).
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/eanzhao/aevatar-agent-framework/envelope"
	"github.com/eanzhao/aevatar-agent-framework/eventstore"
)

type agentJournal struct {
	events   []eventstore.StateEvent // ordered ascending by Version, 1-indexed
	snapshot *eventstore.Snapshot
}

// Store is an in-memory, mutex-guarded eventstore.Store. Safe for
// concurrent use; all state is lost on process exit.
type Store struct {
	mu       sync.Mutex
	journals map[envelope.AgentId]*agentJournal
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		journals: make(map[envelope.AgentId]*agentJournal),
	}
}

func (s *Store) journalFor(agentID envelope.AgentId) *agentJournal {
	j, ok := s.journals[agentID]
	if !ok {
		j = &agentJournal{}
		s.journals[agentID] = j
	}
	return j
}

// AppendEvents implements eventstore.Store.
func (s *Store) AppendEvents(_ context.Context, agentID envelope.AgentId, events []eventstore.StateEvent, expectedVersion uint64) (uint64, error) {
	if len(events) == 0 {
		return s.LatestVersion(context.Background(), agentID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.journalFor(agentID)
	current := uint64(len(j.events))
	if current != expectedVersion {
		return 0, &eventstore.ConcurrencyConflictError{
			AgentID:         agentID,
			ExpectedVersion: expectedVersion,
			ActualVersion:   current,
		}
	}

	for i, evt := range events {
		evt.AgentID = agentID
		evt.Version = expectedVersion + uint64(i) + 1
		j.events = append(j.events, evt)
	}
	return uint64(len(j.events)), nil
}

// GetEvents implements eventstore.Store.
func (s *Store) GetEvents(_ context.Context, agentID envelope.AgentId, fromVersion, toVersion uint64, maxCount int) ([]eventstore.StateEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.journals[agentID]
	if !ok {
		return nil, nil
	}
	var out []eventstore.StateEvent
	for _, evt := range j.events {
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
	sort.Slice(out, func(i, k int) bool { return out[i].Version < out[k].Version })
	return out, nil
}

// LatestVersion implements eventstore.Store.
func (s *Store) LatestVersion(_ context.Context, agentID envelope.AgentId) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.journals[agentID]
	if !ok {
		return 0, nil
	}
	return uint64(len(j.events)), nil
}

// SaveSnapshot implements eventstore.Store.
func (s *Store) SaveSnapshot(_ context.Context, snapshot eventstore.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.journalFor(snapshot.AgentID)
	snap := snapshot
	if len(snapshot.Metadata) > 0 {
		snap.Metadata = make(map[string]string, len(snapshot.Metadata))
		for k, v := range snapshot.Metadata {
			snap.Metadata[k] = v
		}
	}
	j.snapshot = &snap
	return nil
}

// LatestSnapshot implements eventstore.Store.
func (s *Store) LatestSnapshot(_ context.Context, agentID envelope.AgentId) (eventstore.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.journals[agentID]
	if !ok || j.snapshot == nil {
		return eventstore.Snapshot{}, eventstore.ErrSnapshotNotFound
	}
	return *j.snapshot, nil
}
