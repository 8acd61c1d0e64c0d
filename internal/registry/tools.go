package registry

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/nidhogg/nuka-swarm/internal/apperr"
	"github.com/nidhogg/nuka-swarm/internal/bus"
)

// GetTool returns a tool from the shared table.
func (r *Registry) GetTool(id string) (Tool, error) {
	t, ok := r.tool(id)
	if !ok {
		return Tool{}, apperr.NotFound("tool", id)
	}
	return t, nil
}

// ListTools returns every known tool ordered by id.
func (r *Registry) ListTools() []Tool {
	r.toolMu.Lock()
	defer r.toolMu.Unlock()
	out := make([]Tool, 0, len(r.tools))
	for _, id := range slices.Sorted(maps.Keys(r.tools)) {
		out = append(out, cloneTool(r.tools[id]))
	}
	return out
}

func (r *Registry) tool(id string) (Tool, bool) {
	r.toolMu.Lock()
	defer r.toolMu.Unlock()
	t, ok := r.tools[id]
	return cloneTool(t), ok
}

// ensureTool inserts t into the shared table unless a tool with the same id
// already exists; existing tools are shared as-is.
func (r *Registry) ensureTool(ctx context.Context, t Tool) error {
	r.toolMu.Lock()
	defer r.toolMu.Unlock()
	if _, ok := r.tools[t.ID]; ok {
		return nil
	}
	t = cloneTool(t)
	t.Capabilities = normalizeSkills(t.Capabilities)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.now().UTC()
	}
	if r.persist != nil {
		if err := r.persist.SaveTool(ctx, t); err != nil {
			return fmt.Errorf("persist tool %s: %w", t.ID, err)
		}
	}
	r.tools[t.ID] = t
	if r.events != nil {
		r.events.Publish(bus.KindTool, t.ID, "tool.created", cloneTool(t))
	}
	return nil
}

func cloneTool(t Tool) Tool {
	t.Capabilities = slices.Clone(t.Capabilities)
	return t
}
