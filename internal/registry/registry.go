// Package registry owns agent identity, hierarchy, stat/skill state and the
// shared tool table.
//
// Hierarchy changes (register, reparent, decommission) take the registry lock
// exclusively. Every other mutation takes it shared plus the target agent's own
// lock, so writes to one agent are serialized while writes to different agents
// proceed in parallel. The parent/child relation lives in id indexes; agents
// never hold pointers to each other.
package registry

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-swarm/internal/apperr"
	"github.com/nidhogg/nuka-swarm/internal/bus"
	"go.uber.org/zap"
)

// Persister is the storage the registry writes through to. Invariants are
// checked before any call.
type Persister interface {
	SaveAgent(ctx context.Context, a Agent) error
	DeleteAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context) ([]Agent, error)
	SaveTool(ctx context.Context, t Tool) error
	ListTools(ctx context.Context) ([]Tool, error)
}

type entry struct {
	mu    sync.Mutex
	agent Agent
}

// Registry is the process-wide agent registry.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*entry
	parents  map[string]string
	children map[string]map[string]struct{}
	types    map[string]Type

	toolMu sync.Mutex
	tools  map[string]Tool

	persist Persister
	events  bus.Publisher
	now     func() time.Time
	logger  *zap.Logger
}

// New creates an empty registry. persist may be nil for a memory-only registry.
func New(persist Persister, events bus.Publisher, logger *zap.Logger) *Registry {
	return &Registry{
		agents:   make(map[string]*entry),
		parents:  make(map[string]string),
		children: make(map[string]map[string]struct{}),
		types:    make(map[string]Type),
		tools:    make(map[string]Tool),
		persist:  persist,
		events:   events,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock overrides the time source.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Load replaces in-memory state with what the persister holds. Agents whose
// parent no longer exists are detached and written back.
func (r *Registry) Load(ctx context.Context) error {
	if r.persist == nil {
		return nil
	}
	tools, err := r.persist.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("load tools: %w", err)
	}
	agents, err := r.persist.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolMu.Lock()
	for _, t := range tools {
		r.tools[t.ID] = t
	}
	r.toolMu.Unlock()

	for _, a := range agents {
		r.agents[a.ID] = &entry{agent: a}
		r.types[a.ID] = a.Type
	}
	for _, a := range agents {
		if a.ParentID == "" {
			continue
		}
		if t, ok := r.types[a.ParentID]; ok && t.CanSupervise() && !r.wouldCycleLocked(a.ID, a.ParentID) {
			r.linkLocked(a.ID, a.ParentID)
			continue
		}
		r.logger.Warn("detaching agent with invalid parent",
			zap.String("agent", a.ID), zap.String("parent", a.ParentID))
		e := r.agents[a.ID]
		e.agent.ParentID = ""
		if err := r.persist.SaveAgent(ctx, e.agent); err != nil {
			return fmt.Errorf("detach agent %s: %w", a.ID, err)
		}
	}
	r.logger.Info("registry loaded", zap.Int("agents", len(agents)), zap.Int("tools", len(tools)))
	return nil
}

// Register adds a new agent and returns its id. An empty id is assigned.
func (r *Registry) Register(ctx context.Context, a Agent) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = StatusInitializing
	}
	a = a.clone()
	a.Skills = normalizeSkills(a.Skills)
	a.Tools = compactIDs(a.Tools)
	if err := validateAgent(&a); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[a.ID]; exists {
		return "", fmt.Errorf("agent %s: %w", a.ID, apperr.ErrDuplicateID)
	}
	if a.ParentID != "" {
		if err := r.checkSupervisorLocked(a.ParentID); err != nil {
			return "", fmt.Errorf("register agent %s: %w", a.ID, err)
		}
	}
	for _, toolID := range a.Tools {
		if _, ok := r.tool(toolID); !ok {
			return "", apperr.NotFound("tool", toolID)
		}
	}

	now := r.now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.LastHeartbeat.IsZero() {
		a.LastHeartbeat = now
	}
	if err := r.save(ctx, a); err != nil {
		return "", err
	}

	r.agents[a.ID] = &entry{agent: a}
	r.types[a.ID] = a.Type
	if a.ParentID != "" {
		r.linkLocked(a.ID, a.ParentID)
	}
	r.publish(a.ID, "agent.registered", a.clone())
	r.logger.Info("agent registered",
		zap.String("agent", a.ID),
		zap.String("type", string(a.Type)),
		zap.String("parent", a.ParentID))
	return a.ID, nil
}

// Get returns a snapshot of the agent.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	e, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return Agent{}, apperr.NotFound("agent", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agent.clone(), nil
}

// Exists reports whether an agent is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Query returns a lazy sequence of agents matching f. Each range over the
// sequence takes a fresh id snapshot and reads every agent at the moment it is
// yielded; agents decommissioned in between are skipped.
func (r *Registry) Query(f Filter) iter.Seq[Agent] {
	return func(yield func(Agent) bool) {
		r.mu.RLock()
		ids := slices.Sorted(maps.Keys(r.agents))
		r.mu.RUnlock()

		for _, id := range ids {
			a, err := r.Get(id)
			if err != nil {
				continue
			}
			if !f.Match(&a) {
				continue
			}
			if !yield(a) {
				return
			}
		}
	}
}

// List collects Query(f) into a slice ordered by id.
func (r *Registry) List(f Filter) []Agent {
	return slices.Collect(r.Query(f))
}

// Heartbeat records liveness and the agent's self-reported status.
func (r *Registry) Heartbeat(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return apperr.Invalid("agent %s: unknown status %q", id, status)
	}
	return r.mutate(ctx, id, func(a *Agent) (string, any, error) {
		prev := a.Status
		a.Status = status
		a.LastHeartbeat = r.now().UTC()
		return "agent.heartbeat", map[string]any{"status": status, "previous": prev}, nil
	})
}

// AttachTool records the tool (creating it in the shared table if new) and
// appends its id to the agent's collected tools. Attaching an already attached
// tool id is a no-op.
func (r *Registry) AttachTool(ctx context.Context, agentID string, t Tool) error {
	if err := t.validate(); err != nil {
		return err
	}
	if !r.Exists(agentID) {
		return apperr.NotFound("agent", agentID)
	}
	if err := r.ensureTool(ctx, t); err != nil {
		return err
	}
	return r.mutate(ctx, agentID, func(a *Agent) (string, any, error) {
		if slices.Contains(a.Tools, t.ID) {
			return "", nil, nil
		}
		a.Tools = append(a.Tools, t.ID)
		return "agent.tool_attached", map[string]any{"tool_id": t.ID, "tool": t.Name}, nil
	})
}

// AddSkills grants skills to an agent. Skills already held are ignored.
func (r *Registry) AddSkills(ctx context.Context, id string, skills ...string) error {
	return r.mutate(ctx, id, func(a *Agent) (string, any, error) {
		merged := normalizeSkills(append(slices.Clone(a.Skills), skills...))
		if slices.Equal(merged, a.Skills) {
			return "", nil, nil
		}
		added := normalizeSkills(skills)
		a.Skills = merged
		return "agent.skills_added", map[string]any{"skills": added}, nil
	})
}

// UpdateStats replaces the stat block with fn's result as one atomic step.
func (r *Registry) UpdateStats(ctx context.Context, id string, fn func(Stats) Stats) error {
	return r.mutate(ctx, id, func(a *Agent) (string, any, error) {
		next := fn(a.Stats)
		if next == a.Stats {
			return "", nil, nil
		}
		a.Stats = next
		a.Level = max(a.Level, levelFor(next.Experience))
		return "agent.stats_updated", next, nil
	})
}

// AddExperience grants experience and levels the agent up when thresholds are
// crossed.
func (r *Registry) AddExperience(ctx context.Context, id string, xp float64) error {
	if xp < 0 {
		return apperr.Invalid("agent %s: experience delta must be >= 0", id)
	}
	return r.mutate(ctx, id, func(a *Agent) (string, any, error) {
		a.Stats.Experience += xp
		prev := a.Level
		a.Level = max(a.Level, levelFor(a.Stats.Experience))
		if a.Level > prev {
			r.logger.Info("agent leveled up", zap.String("agent", a.ID), zap.Int("level", a.Level))
			return "agent.leveled_up", map[string]any{"level": a.Level, "experience": a.Stats.Experience}, nil
		}
		return "agent.stats_updated", a.Stats, nil
	})
}

// MarkStale moves agents whose last heartbeat is older than ttl to offline.
// It returns the number of agents changed.
func (r *Registry) MarkStale(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := r.now().UTC().Add(-ttl)
	var changed int
	for a := range r.Query(Filter{}) {
		if a.Status == StatusOffline || a.Status == StatusError || !a.LastHeartbeat.Before(cutoff) {
			continue
		}
		var flipped bool
		err := r.mutate(ctx, a.ID, func(cur *Agent) (string, any, error) {
			if cur.Status == StatusOffline || cur.Status == StatusError || !cur.LastHeartbeat.Before(cutoff) {
				return "", nil, nil
			}
			prev := cur.Status
			cur.Status = StatusOffline
			flipped = true
			return "agent.stale", map[string]any{"previous": prev, "last_heartbeat": cur.LastHeartbeat}, nil
		})
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return changed, err
		}
		if flipped {
			changed++
		}
	}
	return changed, nil
}

// mutate runs fn on a copy of the agent under the agent's lock, persists the
// copy and commits it. fn returning an empty event type means nothing changed.
func (r *Registry) mutate(ctx context.Context, id string, fn func(a *Agent) (string, any, error)) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return apperr.NotFound("agent", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.agent.clone()
	eventType, data, err := fn(&next)
	if err != nil || eventType == "" {
		return err
	}
	next.UpdatedAt = r.now().UTC()
	if err := r.save(ctx, next); err != nil {
		return err
	}
	e.agent = next
	r.publish(id, eventType, data)
	return nil
}

func (r *Registry) save(ctx context.Context, a Agent) error {
	if r.persist == nil {
		return nil
	}
	if err := r.persist.SaveAgent(ctx, a); err != nil {
		return fmt.Errorf("persist agent %s: %w", a.ID, err)
	}
	return nil
}

func (r *Registry) publish(id, eventType string, data any) {
	if r.events == nil {
		return
	}
	r.events.Publish(bus.KindAgent, id, eventType, data)
}

func compactIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
