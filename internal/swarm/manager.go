// Package swarm groups registry agents into swarms and reports aggregate
// metrics computed from the registry at call time.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-swarm/internal/apperr"
	"github.com/nidhogg/nuka-swarm/internal/bus"
	"github.com/nidhogg/nuka-swarm/internal/registry"
	"go.uber.org/zap"
)

// Persister stores swarm deployments.
type Persister interface {
	SaveSwarm(ctx context.Context, d Deployment) error
	ListSwarms(ctx context.Context) ([]Deployment, error)
}

// Agents is the slice of the registry the manager needs.
type Agents interface {
	Get(id string) (registry.Agent, error)
	TypeOf(id string) (registry.Type, error)
	IsSupervisedBy(id, supervisorID string) (bool, error)
}

// Options configure manager policy.
type Options struct {
	// Exclusive forbids an agent from belonging to two live swarms.
	Exclusive bool
}

// Manager owns all swarm deployments.
type Manager struct {
	mu     sync.RWMutex
	swarms map[string]*Deployment

	agents  Agents
	persist Persister
	events  bus.Publisher
	opts    Options
	now     func() time.Time
	logger  *zap.Logger
}

// NewManager creates an empty manager.
func NewManager(agents Agents, persist Persister, events bus.Publisher, opts Options, logger *zap.Logger) *Manager {
	return &Manager{
		swarms:  make(map[string]*Deployment),
		agents:  agents,
		persist: persist,
		events:  events,
		opts:    opts,
		now:     time.Now,
		logger:  logger,
	}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Load replaces in-memory swarms with the persisted set.
func (m *Manager) Load(ctx context.Context) error {
	if m.persist == nil {
		return nil
	}
	swarms, err := m.persist.ListSwarms(ctx)
	if err != nil {
		return fmt.Errorf("load swarms: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range swarms {
		d := swarms[i]
		m.swarms[d.ID] = &d
	}
	m.logger.Info("swarms loaded", zap.Int("count", len(swarms)))
	return nil
}

// Form validates the hierarchy and creates a swarm in standby (or spec.Status).
func (m *Manager) Form(ctx context.Context, spec FormSpec) (string, error) {
	members := compact(spec.AgentIDs)
	if len(members) == 0 {
		return "", apperr.Invalid("swarm needs at least one agent")
	}
	if spec.Status == "" {
		spec.Status = StatusStandby
	}
	if spec.Status == StatusTerminated || validTransitions[spec.Status] == nil {
		return "", apperr.Invalid("swarm cannot be formed in status %q", spec.Status)
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.swarms[spec.ID]; exists {
		return "", fmt.Errorf("swarm %s: %w", spec.ID, apperr.ErrDuplicateID)
	}
	if err := m.checkControllerLocked(spec.ControllerID); err != nil {
		return "", err
	}
	for _, id := range members {
		if err := m.checkMemberLocked(spec.ID, spec.ControllerID, id); err != nil {
			return "", err
		}
	}

	now := m.now().UTC()
	d := Deployment{
		ID:                 spec.ID,
		SwarmType:          spec.SwarmType,
		ControllerID:       spec.ControllerID,
		AgentIDs:           members,
		Status:             spec.Status,
		PerformanceMetrics: map[string]float64{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := m.save(ctx, d); err != nil {
		return "", err
	}
	m.swarms[d.ID] = &d
	m.publish(d.ID, "swarm.formed", d.clone())
	m.logger.Info("swarm formed",
		zap.String("swarm", d.ID),
		zap.String("controller", d.ControllerID),
		zap.Int("agents", len(members)))
	return d.ID, nil
}

// Get returns a snapshot of a swarm.
func (m *Manager) Get(id string) (Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.swarms[id]
	if !ok {
		return Deployment{}, apperr.NotFound("swarm", id)
	}
	return d.clone(), nil
}

// List returns all swarms ordered by id, optionally only those in status.
func (m *Manager) List(status Status) []Deployment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Deployment, 0, len(m.swarms))
	for _, id := range slices.Sorted(maps.Keys(m.swarms)) {
		d := m.swarms[id]
		if status == "" || d.Status == status {
			out = append(out, d.clone())
		}
	}
	return out
}

// SetStatus moves a swarm between active, standby and deployed.
func (m *Manager) SetStatus(ctx context.Context, id string, status Status) error {
	if status == StatusTerminated {
		return m.Retire(ctx, id)
	}
	return m.update(ctx, id, func(d *Deployment) (string, any, error) {
		if err := Transition(id, d.Status, status); err != nil {
			return "", nil, err
		}
		prev := d.Status
		d.Status = status
		return "swarm.status_changed", map[string]any{"status": status, "previous": prev}, nil
	})
}

// Retire terminates the swarm and releases its members. Agents are untouched.
func (m *Manager) Retire(ctx context.Context, id string) error {
	return m.update(ctx, id, func(d *Deployment) (string, any, error) {
		if err := Transition(id, d.Status, StatusTerminated); err != nil {
			return "", nil, err
		}
		released := d.AgentIDs
		now := m.now().UTC()
		d.Status = StatusTerminated
		d.AgentIDs = []string{}
		d.RetiredAt = &now
		return "swarm.retired", map[string]any{"released": released}, nil
	})
}

// AddMember adds an agent to a live swarm after the same checks as Form.
func (m *Manager) AddMember(ctx context.Context, id, agentID string) error {
	return m.update(ctx, id, func(d *Deployment) (string, any, error) {
		if d.Status == StatusTerminated {
			return "", nil, fmt.Errorf("add member to terminated swarm %s: %w", id, apperr.ErrInvalidTransition)
		}
		if slices.Contains(d.AgentIDs, agentID) {
			return "", nil, nil
		}
		if err := m.checkMemberLocked(id, d.ControllerID, agentID); err != nil {
			return "", nil, err
		}
		d.AgentIDs = append(d.AgentIDs, agentID)
		return "swarm.member_added", map[string]any{"agent_id": agentID}, nil
	})
}

// RemoveMember drops an agent from a live swarm.
func (m *Manager) RemoveMember(ctx context.Context, id, agentID string) error {
	return m.update(ctx, id, func(d *Deployment) (string, any, error) {
		if d.Status == StatusTerminated {
			return "", nil, fmt.Errorf("remove member from terminated swarm %s: %w", id, apperr.ErrInvalidTransition)
		}
		i := slices.Index(d.AgentIDs, agentID)
		if i < 0 {
			return "", nil, fmt.Errorf("agent %s in swarm %s: %w", agentID, id, apperr.ErrNotFound)
		}
		d.AgentIDs = slices.Delete(d.AgentIDs, i, i+1)
		return "swarm.member_removed", map[string]any{"agent_id": agentID}, nil
	})
}

// Aggregate recomputes the swarm's metrics from member agents as they are in
// the registry now. Members that left the controller's subtree are detached
// first; members that were decommissioned are counted as missing.
func (m *Manager) Aggregate(ctx context.Context, id string) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.swarms[id]
	if !ok {
		return nil, apperr.NotFound("swarm", id)
	}
	if cur.Status == StatusTerminated {
		return nil, fmt.Errorf("aggregate terminated swarm %s: %w", id, apperr.ErrInvalidTransition)
	}

	next := cur.clone()
	detached, err := m.detachLocked(&next)
	if err != nil {
		return nil, fmt.Errorf("aggregate swarm %s: %w", id, err)
	}
	ids := slices.Sorted(slices.Values(next.AgentIDs))
	agents := make([]registry.Agent, 0, len(ids))
	var missing int
	for _, agentID := range ids {
		a, err := m.agents.Get(agentID)
		if errors.Is(err, apperr.ErrNotFound) {
			missing++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("aggregate swarm %s: %w", id, err)
		}
		agents = append(agents, a)
	}
	metrics := Reduce(agents, missing)

	now := m.now().UTC()
	next.PerformanceMetrics = metrics
	next.AggregatedAt = &now
	next.UpdatedAt = now
	if err := m.save(ctx, next); err != nil {
		return nil, err
	}
	*cur = next
	m.publishDetached(&next, detached)
	m.publish(id, "swarm.aggregated", maps.Clone(metrics))
	return maps.Clone(metrics), nil
}

// DetachUnsupervised drops, from every live swarm, members that are no longer
// below the swarm's controller. It returns how many memberships were dropped.
func (m *Manager) DetachUnsupervised(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int
	var errs []error
	for _, id := range slices.Sorted(maps.Keys(m.swarms)) {
		cur := m.swarms[id]
		if cur.Status == StatusTerminated || cur.ControllerID == "" {
			continue
		}
		next := cur.clone()
		detached, err := m.detachLocked(&next)
		if err != nil {
			errs = append(errs, fmt.Errorf("swarm %s: %w", id, err))
			continue
		}
		if len(detached) == 0 {
			continue
		}
		next.UpdatedAt = m.now().UTC()
		if err := m.save(ctx, next); err != nil {
			errs = append(errs, err)
			continue
		}
		*cur = next
		m.publishDetached(&next, detached)
		total += len(detached)
	}
	return total, errors.Join(errs...)
}

// HandleAgentEvent re-checks controller supervision after the registry moves
// or removes an agent. A moved dispatcher takes its whole subtree with it, so
// every live swarm is checked.
func (m *Manager) HandleAgentEvent(ctx context.Context, ev bus.Event) error {
	if ev.Type != "agent.reparented" && ev.Type != "agent.decommissioned" {
		return nil
	}
	n, err := m.DetachUnsupervised(ctx)
	if err != nil {
		// the aggregation loop runs the same check
		m.logger.Warn("swarm membership check failed", zap.String("agent", ev.EntityID), zap.Error(err))
	}
	if n > 0 {
		m.logger.Info("swarm members detached", zap.String("agent", ev.EntityID), zap.Int("count", n))
	}
	return nil
}

// Run aggregates every live swarm on each tick until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.AggregateAll(ctx)
		}
	}
}

// AggregateAll aggregates every swarm that is not terminated.
func (m *Manager) AggregateAll(ctx context.Context) {
	for _, d := range m.List("") {
		if d.Status == StatusTerminated {
			continue
		}
		if _, err := m.Aggregate(ctx, d.ID); err != nil && !errors.Is(err, apperr.ErrInvalidTransition) {
			m.logger.Warn("swarm aggregation failed", zap.String("swarm", d.ID), zap.Error(err))
		}
	}
}

func (m *Manager) checkControllerLocked(controllerID string) error {
	if controllerID == "" {
		return nil
	}
	t, err := m.agents.TypeOf(controllerID)
	if errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("controller %s does not exist: %w", controllerID, apperr.ErrInvalidHierarchy)
	}
	if err != nil {
		return err
	}
	if t != registry.TypeController {
		return fmt.Errorf("controller %s is a %s: %w", controllerID, t, apperr.ErrInvalidHierarchy)
	}
	return nil
}

func (m *Manager) checkMemberLocked(swarmID, controllerID, agentID string) error {
	if _, err := m.agents.TypeOf(agentID); err != nil {
		return err
	}
	if controllerID != "" && agentID != controllerID {
		ok, err := m.agents.IsSupervisedBy(agentID, controllerID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("agent %s is not supervised by controller %s: %w",
				agentID, controllerID, apperr.ErrInvalidHierarchy)
		}
	}
	if m.opts.Exclusive {
		for _, other := range m.swarms {
			if other.ID != swarmID && other.Status != StatusTerminated && slices.Contains(other.AgentIDs, agentID) {
				return fmt.Errorf("agent %s already in swarm %s: %w", agentID, other.ID, apperr.ErrAgentUnavailable)
			}
		}
	}
	return nil
}

// detachLocked removes members that exist but are no longer supervised by the
// controller. Decommissioned members stay listed and count as missing.
func (m *Manager) detachLocked(d *Deployment) ([]string, error) {
	if d.ControllerID == "" {
		return nil, nil
	}
	var detached []string
	kept := d.AgentIDs[:0:0]
	for _, agentID := range d.AgentIDs {
		if agentID == d.ControllerID {
			kept = append(kept, agentID)
			continue
		}
		ok, err := m.agents.IsSupervisedBy(agentID, d.ControllerID)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			kept = append(kept, agentID)
		case err != nil:
			return nil, err
		case ok:
			kept = append(kept, agentID)
		default:
			detached = append(detached, agentID)
		}
	}
	d.AgentIDs = kept
	return detached, nil
}

func (m *Manager) publishDetached(d *Deployment, detached []string) {
	for _, agentID := range detached {
		m.publish(d.ID, "swarm.member_detached", map[string]any{
			"agent_id":      agentID,
			"controller_id": d.ControllerID,
		})
		m.logger.Info("swarm member detached",
			zap.String("swarm", d.ID),
			zap.String("agent", agentID),
			zap.String("controller", d.ControllerID))
	}
}

func (m *Manager) update(ctx context.Context, id string, fn func(d *Deployment) (string, any, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.swarms[id]
	if !ok {
		return apperr.NotFound("swarm", id)
	}
	next := cur.clone()
	eventType, data, err := fn(&next)
	if err != nil || eventType == "" {
		return err
	}
	next.UpdatedAt = m.now().UTC()
	if err := m.save(ctx, next); err != nil {
		return err
	}
	*cur = next
	m.publish(id, eventType, data)
	return nil
}

func (m *Manager) save(ctx context.Context, d Deployment) error {
	if m.persist == nil {
		return nil
	}
	if err := m.persist.SaveSwarm(ctx, d); err != nil {
		return fmt.Errorf("persist swarm %s: %w", d.ID, err)
	}
	return nil
}

func (m *Manager) publish(id, eventType string, data any) {
	if m.events != nil {
		m.events.Publish(bus.KindSwarm, id, eventType, data)
	}
}

func compact(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
