// Package mission implements the mission board: mission lifecycle and agent
// assignment against the agent registry.
package mission

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-swarm/internal/apperr"
	"github.com/nidhogg/nuka-swarm/internal/bus"
	"github.com/nidhogg/nuka-swarm/internal/registry"
	"go.uber.org/zap"
)

// Persister stores missions.
type Persister interface {
	SaveMission(ctx context.Context, m Mission) error
	ListMissions(ctx context.Context) ([]Mission, error)
}

// Agents is the slice of the registry the board needs.
type Agents interface {
	Get(id string) (registry.Agent, error)
	AddExperience(ctx context.Context, id string, xp float64) error
}

// Options configure board policy.
type Options struct {
	// Exclusive forbids assigning an agent already on another open mission.
	Exclusive bool
	// ExperienceReward is granted to each assigned agent on success.
	ExperienceReward float64
}

// Board owns all missions.
type Board struct {
	mu       sync.RWMutex
	missions map[string]*Mission

	agents  Agents
	persist Persister
	events  bus.Publisher
	opts    Options
	now     func() time.Time
	logger  *zap.Logger
}

// NewBoard creates an empty board.
func NewBoard(agents Agents, persist Persister, events bus.Publisher, opts Options, logger *zap.Logger) *Board {
	return &Board{
		missions: make(map[string]*Mission),
		agents:   agents,
		persist:  persist,
		events:   events,
		opts:     opts,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock overrides the time source.
func (b *Board) SetClock(now func() time.Time) { b.now = now }

// Load replaces in-memory missions with the persisted set.
func (b *Board) Load(ctx context.Context) error {
	if b.persist == nil {
		return nil
	}
	missions, err := b.persist.ListMissions(ctx)
	if err != nil {
		return fmt.Errorf("load missions: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range missions {
		m := missions[i]
		b.missions[m.ID] = &m
	}
	b.logger.Info("missions loaded", zap.Int("count", len(missions)))
	return nil
}

// Create adds a pending mission and returns its id.
func (b *Board) Create(ctx context.Context, spec Spec) (string, error) {
	if err := spec.validate(); err != nil {
		return "", err
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	now := b.now().UTC()
	m := Mission{
		ID:             spec.ID,
		Title:          spec.Title,
		Description:    spec.Description,
		MissionType:    spec.MissionType,
		Status:         StatusPending,
		Priority:       spec.Priority,
		AssignedAgents: []string{},
		Requirements:   spec.Requirements.clone(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if spec.Deadline != nil {
		d := *spec.Deadline
		m.Deadline = &d
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.missions[m.ID]; exists {
		return "", fmt.Errorf("mission %s: %w", m.ID, apperr.ErrDuplicateID)
	}
	if err := b.save(ctx, m); err != nil {
		return "", err
	}
	b.missions[m.ID] = &m
	b.publish(m.ID, "mission.created", m.clone())
	return m.ID, nil
}

// Get returns a snapshot of a mission.
func (b *Board) Get(id string) (Mission, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.missions[id]
	if !ok {
		return Mission{}, apperr.NotFound("mission", id)
	}
	return m.clone(), nil
}

// List returns matching missions, highest priority first, then oldest first.
func (b *Board) List(f Filter) []Mission {
	b.mu.RLock()
	out := make([]Mission, 0, len(b.missions))
	for _, m := range b.missions {
		if f.match(m) {
			out = append(out, m.clone())
		}
	}
	b.mu.RUnlock()
	slices.SortFunc(out, func(x, y Mission) int {
		if c := cmp.Compare(y.Priority.rank(), x.Priority.rank()); c != 0 {
			return c
		}
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(x.ID, y.ID)
	})
	return out
}

// Start moves a pending mission to active.
func (b *Board) Start(ctx context.Context, id string) error {
	return b.update(ctx, id, func(m *Mission) (string, any, error) {
		if err := Transition(id, m.Status, StatusActive); err != nil {
			return "", nil, err
		}
		m.Status = StatusActive
		return "mission.started", map[string]any{"status": m.Status}, nil
	})
}

// Assign adds each eligible agent to the mission. Ineligible ids are reported
// in the result with an ErrAgentUnavailable cause; eligible ones are still
// assigned. Repeated ids are reported once. No event is published when the
// mission's agent list is unchanged. The returned error covers only
// mission-level failures.
func (b *Board) Assign(ctx context.Context, id string, agentIDs []string) (AssignResult, error) {
	var res AssignResult
	err := b.update(ctx, id, func(m *Mission) (string, any, error) {
		if m.Status.Terminal() {
			return "", nil, fmt.Errorf("assign to %s mission %s: %w", m.Status, id, apperr.ErrInvalidTransition)
		}
		res = AssignResult{Assigned: []string{}}
		added := 0
		seen := make(map[string]struct{}, len(agentIDs))
		for _, agentID := range agentIDs {
			if _, dup := seen[agentID]; dup {
				continue
			}
			seen[agentID] = struct{}{}
			if slices.Contains(m.AssignedAgents, agentID) {
				res.Assigned = append(res.Assigned, agentID)
				continue
			}
			if reason := b.ineligibleLocked(m, agentID); reason != "" {
				res.Rejected = append(res.Rejected, Rejection{
					AgentID: agentID,
					Reason:  reason,
					err:     fmt.Errorf("agent %s: %s: %w", agentID, reason, apperr.ErrAgentUnavailable),
				})
				continue
			}
			m.AssignedAgents = append(m.AssignedAgents, agentID)
			res.Assigned = append(res.Assigned, agentID)
			added++
		}
		if len(res.Rejected) > 0 {
			b.logger.Info("mission assignment partially rejected",
				zap.String("mission", id),
				zap.Int("assigned", len(res.Assigned)),
				zap.Int("rejected", len(res.Rejected)))
		}
		if added == 0 {
			return "", nil, nil
		}
		return "mission.assigned", res, nil
	})
	return res, err
}

func (b *Board) ineligibleLocked(m *Mission, agentID string) string {
	a, err := b.agents.Get(agentID)
	if errors.Is(err, apperr.ErrNotFound) {
		return "not registered"
	}
	if err != nil {
		return err.Error()
	}
	if !a.Status.Available() {
		return fmt.Sprintf("status %s", a.Status)
	}
	if reason := m.Requirements.unmet(&a); reason != "" {
		return reason
	}
	if b.opts.Exclusive {
		for _, other := range b.missions {
			if other.ID != m.ID && !other.Status.Terminal() && slices.Contains(other.AssignedAgents, agentID) {
				return fmt.Sprintf("already assigned to mission %s", other.ID)
			}
		}
	}
	return ""
}

// Unassign removes an agent from a non-terminal mission.
func (b *Board) Unassign(ctx context.Context, id, agentID string) error {
	return b.update(ctx, id, func(m *Mission) (string, any, error) {
		if m.Status.Terminal() {
			return "", nil, fmt.Errorf("unassign from %s mission %s: %w", m.Status, id, apperr.ErrInvalidTransition)
		}
		i := slices.Index(m.AssignedAgents, agentID)
		if i < 0 {
			return "", nil, fmt.Errorf("agent %s on mission %s: %w", agentID, id, apperr.ErrNotFound)
		}
		m.AssignedAgents = slices.Delete(m.AssignedAgents, i, i+1)
		return "mission.unassigned", map[string]any{"agent_id": agentID}, nil
	})
}

// Advance adds delta to an active mission's progress, clamped at 100.
func (b *Board) Advance(ctx context.Context, id string, delta float64) (float64, error) {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return 0, apperr.Invalid("progress delta must be finite")
	}
	var progress float64
	err := b.update(ctx, id, func(m *Mission) (string, any, error) {
		progress = m.Progress
		if m.Status != StatusActive {
			return "", nil, fmt.Errorf("advance %s mission %s: %w", m.Status, id, apperr.ErrInvalidTransition)
		}
		if delta < 0 {
			return "", nil, fmt.Errorf("advance mission %s by %v: progress cannot decrease: %w", id, delta, apperr.ErrInvalidTransition)
		}
		next := math.Min(100, m.Progress+delta)
		if next == m.Progress {
			return "", nil, nil
		}
		m.Progress = next
		progress = next
		return "mission.progressed", map[string]any{"progress": next, "delta": delta}, nil
	})
	return progress, err
}

// Complete moves an active mission to its terminal outcome, freezing progress
// and stamping CompletedAt. On success each assigned agent gains experience.
func (b *Board) Complete(ctx context.Context, id string, outcome Outcome) error {
	var to Status
	switch outcome {
	case OutcomeCompleted:
		to = StatusCompleted
	case OutcomeFailed:
		to = StatusFailed
	default:
		return apperr.Invalid("unknown mission outcome %q", outcome)
	}

	var rewarded []string
	err := b.update(ctx, id, func(m *Mission) (string, any, error) {
		if err := Transition(id, m.Status, to); err != nil {
			return "", nil, err
		}
		now := b.now().UTC()
		m.Status = to
		m.CompletedAt = &now
		if to == StatusCompleted {
			rewarded = slices.Clone(m.AssignedAgents)
		}
		return "mission." + string(to), map[string]any{"status": to, "progress": m.Progress, "completed_at": now}, nil
	})
	if err != nil {
		return err
	}

	if b.opts.ExperienceReward > 0 {
		for _, agentID := range rewarded {
			if err := b.agents.AddExperience(ctx, agentID, b.opts.ExperienceReward); err != nil {
				b.logger.Warn("mission reward not granted",
					zap.String("mission", id), zap.String("agent", agentID), zap.Error(err))
			}
		}
	}
	return nil
}

// Cancel moves a pending or active mission to cancelled.
func (b *Board) Cancel(ctx context.Context, id string) error {
	return b.update(ctx, id, func(m *Mission) (string, any, error) {
		if err := Transition(id, m.Status, StatusCancelled); err != nil {
			return "", nil, err
		}
		m.Status = StatusCancelled
		return "mission.cancelled", map[string]any{"status": m.Status, "progress": m.Progress}, nil
	})
}

// update applies fn to a copy of the mission under the board lock and commits
// it after a successful write.
func (b *Board) update(ctx context.Context, id string, fn func(m *Mission) (string, any, error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.missions[id]
	if !ok {
		return apperr.NotFound("mission", id)
	}
	next := cur.clone()
	eventType, data, err := fn(&next)
	if err != nil || eventType == "" {
		return err
	}
	next.UpdatedAt = b.now().UTC()
	if err := b.save(ctx, next); err != nil {
		return err
	}
	*cur = next
	b.publish(id, eventType, data)
	return nil
}

func (b *Board) save(ctx context.Context, m Mission) error {
	if b.persist == nil {
		return nil
	}
	if err := b.persist.SaveMission(ctx, m); err != nil {
		return fmt.Errorf("persist mission %s: %w", m.ID, err)
	}
	return nil
}

func (b *Board) publish(id, eventType string, data any) {
	if b.events != nil {
		b.events.Publish(bus.KindMission, id, eventType, data)
	}
}
