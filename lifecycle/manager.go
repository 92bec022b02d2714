// Package lifecycle implements LifecycleManager (spec §4.6): the single
// place that knows the full set of locally-resident agents, activates them
// on first reference, and tears them down on deactivation. It also
// implements router.Resident, so the Router never holds a direct reference
// to any agent.Core — only the AgentIds LifecycleManager resolves for it.
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/eanzhao/aevatar-agent-framework/agent"
	"github.com/eanzhao/aevatar-agent-framework/agentstream"
	"github.com/eanzhao/aevatar-agent-framework/envelope"
	"github.com/eanzhao/aevatar-agent-framework/telemetry"
)

// Factory constructs and starts a fresh agent.Handle for id. Implementations
// typically build an agent.Core[S] (wiring its stream, registry, and
// router), start its stream's consumer goroutine, perform any
// activation-time setup (event-sourced agents replay here — spec §4.8),
// and return it already in the agent.Active lifecycle state.
type Factory func(ctx context.Context, id envelope.AgentId) (agent.Handle, error)

// Manager tracks id → agent.Handle for every agent resident on this
// process. getOrActivate calls for the same id are coalesced via
// singleflight so a burst of concurrent first-references activates the
// agent exactly once (spec §4.6: "idempotent; coalesces concurrent
// callers").
type Manager struct {
	mu       sync.RWMutex
	agents   map[envelope.AgentId]agent.Handle
	group    singleflight.Group
	factory  Factory
	telem    telemetry.Set
}

// Options configures a Manager.
type Options struct {
	Factory   Factory
	Telemetry telemetry.Set
}

// New constructs an empty Manager.
func New(opts Options) *Manager {
	return &Manager{
		agents:  make(map[envelope.AgentId]agent.Handle),
		factory: opts.Factory,
		telem:   telemetry.WithDefaults(opts.Telemetry),
	}
}

// GetOrActivate returns the resident handle for id, activating it via the
// configured Factory on first reference. Concurrent callers for the same
// id block on the same activation and receive the same handle.
func (m *Manager) GetOrActivate(ctx context.Context, id envelope.AgentId) (agent.Handle, error) {
	if h, ok := m.lookup(id); ok {
		return h, nil
	}
	if m.factory == nil {
		return nil, fmt.Errorf("lifecycle: no factory configured for agent %s", id)
	}

	v, err, _ := m.group.Do(id.String(), func() (any, error) {
		if h, ok := m.lookup(id); ok {
			return h, nil
		}
		h, err := m.factory(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: activate agent %s: %w", id, err)
		}
		m.mu.Lock()
		m.agents[id] = h
		m.mu.Unlock()
		m.telem.Logger.Info(ctx, "lifecycle: agent activated", "agent_id", id.String())
		m.telem.Metrics.IncCounter("lifecycle.activated", 1)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(agent.Handle), nil
}

func (m *Manager) lookup(id envelope.AgentId) (agent.Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.agents[id]
	return h, ok
}

// Deactivate runs the full deactivation sequence on id's handle (spec
// §4.6) and removes it from the resident set on success. A not-resident id
// is a no-op.
func (m *Manager) Deactivate(ctx context.Context, id envelope.AgentId) error {
	h, ok := m.lookup(id)
	if !ok {
		return nil
	}
	m.telem.Logger.Info(ctx, "lifecycle: deactivating agent", "agent_id", id.String())
	if err := h.Deactivate(ctx); err != nil {
		return fmt.Errorf("lifecycle: deactivate agent %s: %w", id, err)
	}
	m.mu.Lock()
	delete(m.agents, id)
	m.mu.Unlock()
	m.telem.Metrics.IncCounter("lifecycle.deactivated", 1)
	return nil
}

// DeactivateAll deactivates every resident agent, collecting the first
// error encountered but attempting every agent regardless (used for
// process shutdown).
func (m *Manager) DeactivateAll(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]envelope.AgentId, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := m.Deactivate(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AddChild adds child to parent's hierarchy set and sets parent as child's
// parent, activating either side that is not yet resident. Mutations to
// the two sides are not atomic with each other, but each individual set
// mutation is serialized through its own handle's mutex (spec §4.6,
// §5: "a single-writer / multi-reader discipline is sufficient because
// hierarchy mutations are rare").
func (m *Manager) AddChild(ctx context.Context, parent, child envelope.AgentId) error {
	parentHandle, err := m.GetOrActivate(ctx, parent)
	if err != nil {
		return err
	}
	childHandle, err := m.GetOrActivate(ctx, child)
	if err != nil {
		return err
	}
	if err := parentHandle.AddChild(child); err != nil {
		return err
	}
	return childHandle.SetParent(parent, true)
}

// RemoveChild removes child from parent's hierarchy set and clears child's
// parent reference. A no-op for whichever side is not currently resident.
func (m *Manager) RemoveChild(ctx context.Context, parent, child envelope.AgentId) error {
	if h, ok := m.lookup(parent); ok {
		h.RemoveChild(child)
	}
	if h, ok := m.lookup(child); ok {
		return h.SetParent(envelope.NilAgentId, false)
	}
	return nil
}

// Parent implements router.Resident.
func (m *Manager) Parent(id envelope.AgentId) (envelope.AgentId, bool) {
	h, ok := m.lookup(id)
	if !ok {
		return envelope.NilAgentId, false
	}
	return h.Parent()
}

// Children implements router.Resident.
func (m *Manager) Children(id envelope.AgentId) []envelope.AgentId {
	h, ok := m.lookup(id)
	if !ok {
		return nil
	}
	return h.Children()
}

// Stream implements router.Resident.
func (m *Manager) Stream(id envelope.AgentId) (*agentstream.Stream, bool) {
	h, ok := m.lookup(id)
	if !ok {
		return nil, false
	}
	return h.Stream(), true
}
