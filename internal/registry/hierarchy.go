package registry

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/nidhogg/nuka-swarm/internal/apperr"
	"go.uber.org/zap"
)

// Reparent moves an agent under newParentID. An empty newParentID detaches the
// agent into a root.
func (r *Registry) Reparent(ctx context.Context, id, newParentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return apperr.NotFound("agent", id)
	}
	oldParent := r.parents[id]
	if oldParent == newParentID {
		return nil
	}
	if newParentID != "" {
		if err := r.checkSupervisorLocked(newParentID); err != nil {
			return fmt.Errorf("reparent agent %s: %w", id, err)
		}
		if r.wouldCycleLocked(id, newParentID) {
			return fmt.Errorf("reparent agent %s under %s creates a cycle: %w", id, newParentID, apperr.ErrInvalidHierarchy)
		}
	}
	return r.moveLocked(ctx, e, newParentID)
}

// Decommission removes an agent. Children must be handled explicitly through
// opts; otherwise the call fails with ErrHasDependents.
func (r *Registry) Decommission(ctx context.Context, id string, opts DecommissionOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return apperr.NotFound("agent", id)
	}
	kids := r.childrenLocked(id)

	// Every write reaches the store before memory changes, so a failed write
	// leaves the in-memory tree as it was.
	var moved []Agent
	var victims []string
	switch {
	case len(kids) == 0:
	case opts.ReparentTo != "":
		target := opts.ReparentTo
		if err := r.checkSupervisorLocked(target); err != nil {
			return fmt.Errorf("decommission agent %s: %w", id, err)
		}
		if target == id || r.isDescendantLocked(target, id) {
			return fmt.Errorf("decommission agent %s: reparent target %s is inside its subtree: %w",
				id, target, apperr.ErrInvalidHierarchy)
		}
		for _, child := range kids {
			next, err := r.stageMoveLocked(ctx, r.agents[child], target)
			if err != nil {
				return fmt.Errorf("decommission agent %s: %w", id, err)
			}
			moved = append(moved, next)
		}
	case opts.Cascade:
		subtree := r.subtreePostOrderLocked(id)
		victims = subtree[:len(subtree)-1]
	default:
		return fmt.Errorf("agent %s supervises %d agents: %w", id, len(kids), apperr.ErrHasDependents)
	}

	for _, victim := range victims {
		if err := r.deleteStored(ctx, victim); err != nil {
			return fmt.Errorf("decommission agent %s: %w", id, err)
		}
	}
	if err := r.deleteStored(ctx, id); err != nil {
		return err
	}

	for _, next := range moved {
		r.commitMoveLocked(r.agents[next.ID], next)
	}
	for _, victim := range victims {
		r.dropLocked(victim, "cascade")
	}
	r.dropLocked(id, "explicit")
	return nil
}

// Children returns the ids of agents directly supervised by id, sorted.
func (r *Registry) Children(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.childrenLocked(id)
}

// Lineage returns the supervisor chain above id, nearest first.
func (r *Registry) Lineage(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.agents[id]; !ok {
		return nil, apperr.NotFound("agent", id)
	}
	var chain []string
	for p := r.parents[id]; p != ""; p = r.parents[p] {
		chain = append(chain, p)
	}
	return chain, nil
}

// Subtree returns every agent below id, nearest level first and ordered by id
// within a level.
func (r *Registry) Subtree(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.agents[id]; !ok {
		return nil, apperr.NotFound("agent", id)
	}
	var out []string
	for level := r.childrenLocked(id); len(level) > 0; {
		out = append(out, level...)
		var next []string
		for _, c := range level {
			next = append(next, r.childrenLocked(c)...)
		}
		slices.Sort(next)
		level = next
	}
	return out, nil
}

// IsSupervisedBy reports whether supervisorID appears in id's supervisor chain.
func (r *Registry) IsSupervisedBy(id, supervisorID string) (bool, error) {
	chain, err := r.Lineage(id)
	if err != nil {
		return false, err
	}
	return slices.Contains(chain, supervisorID), nil
}

// TypeOf returns the agent's type.
func (r *Registry) TypeOf(id string) (Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[id]
	if !ok {
		return "", apperr.NotFound("agent", id)
	}
	return t, nil
}

func (r *Registry) checkSupervisorLocked(parentID string) error {
	t, ok := r.types[parentID]
	if !ok {
		return fmt.Errorf("parent %s does not exist: %w", parentID, apperr.ErrInvalidHierarchy)
	}
	if !t.CanSupervise() {
		return fmt.Errorf("parent %s is a %s and cannot supervise: %w", parentID, t, apperr.ErrInvalidHierarchy)
	}
	return nil
}

// wouldCycleLocked reports whether making parentID the parent of id closes a loop.
func (r *Registry) wouldCycleLocked(id, parentID string) bool {
	return parentID == id || r.isDescendantLocked(parentID, id)
}

// isDescendantLocked reports whether id sits below ancestor.
func (r *Registry) isDescendantLocked(id, ancestor string) bool {
	seen := map[string]struct{}{}
	for p := r.parents[id]; p != ""; p = r.parents[p] {
		if p == ancestor {
			return true
		}
		if _, loop := seen[p]; loop {
			return true
		}
		seen[p] = struct{}{}
	}
	return false
}

func (r *Registry) childrenLocked(id string) []string {
	return slices.Sorted(maps.Keys(r.children[id]))
}

// subtreePostOrderLocked lists id's subtree with every child before its parent;
// id itself comes last.
func (r *Registry) subtreePostOrderLocked(id string) []string {
	var out []string
	var walk func(string)
	walk = func(n string) {
		for _, c := range r.childrenLocked(n) {
			walk(c)
		}
		out = append(out, n)
	}
	walk(id)
	return out
}

func (r *Registry) linkLocked(child, parent string) {
	r.parents[child] = parent
	set, ok := r.children[parent]
	if !ok {
		set = make(map[string]struct{})
		r.children[parent] = set
	}
	set[child] = struct{}{}
}

func (r *Registry) unlinkLocked(child string) {
	parent, ok := r.parents[child]
	if !ok {
		return
	}
	delete(r.parents, child)
	if set := r.children[parent]; set != nil {
		delete(set, child)
		if len(set) == 0 {
			delete(r.children, parent)
		}
	}
}

func (r *Registry) moveLocked(ctx context.Context, e *entry, newParentID string) error {
	next, err := r.stageMoveLocked(ctx, e, newParentID)
	if err != nil {
		return err
	}
	r.commitMoveLocked(e, next)
	return nil
}

// stageMoveLocked persists e under newParentID without touching memory.
func (r *Registry) stageMoveLocked(ctx context.Context, e *entry, newParentID string) (Agent, error) {
	next := e.agent.clone()
	next.ParentID = newParentID
	next.UpdatedAt = r.now().UTC()
	if err := r.save(ctx, next); err != nil {
		return Agent{}, err
	}
	return next, nil
}

func (r *Registry) commitMoveLocked(e *entry, next Agent) {
	oldParent := e.agent.ParentID
	e.agent = next
	r.unlinkLocked(next.ID)
	if next.ParentID != "" {
		r.linkLocked(next.ID, next.ParentID)
	}
	r.publish(next.ID, "agent.reparented", map[string]any{"parent_id": next.ParentID, "previous_parent_id": oldParent})
}

func (r *Registry) deleteStored(ctx context.Context, id string) error {
	if r.persist == nil {
		return nil
	}
	if err := r.persist.DeleteAgent(ctx, id); err != nil {
		return fmt.Errorf("persist delete agent %s: %w", id, err)
	}
	return nil
}

func (r *Registry) dropLocked(id, reason string) {
	parent := r.parents[id]
	r.unlinkLocked(id)
	delete(r.children, id)
	delete(r.agents, id)
	delete(r.types, id)
	r.publish(id, "agent.decommissioned", map[string]any{"reason": reason, "parent_id": parent})
	r.logger.Info("agent decommissioned", zap.String("agent", id), zap.String("reason", reason))
}
