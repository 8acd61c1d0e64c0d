package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/nuka-swarm/internal/registry"
)

// SaveAgent upserts an agent.
func (s *Store) SaveAgent(ctx context.Context, a registry.Agent) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode agent %s: %w", a.ID, err)
	}
	return s.exec(ctx, "save agent "+a.ID, `
		INSERT INTO agents (id, agent_type, status, parent_id, body, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			agent_type = EXCLUDED.agent_type,
			status = EXCLUDED.status,
			parent_id = EXCLUDED.parent_id,
			body = EXCLUDED.body,
			updated_at = EXCLUDED.updated_at`,
		a.ID, string(a.Type), string(a.Status), a.ParentID, body, a.CreatedAt, a.UpdatedAt,
	)
}

// DeleteAgent removes a decommissioned agent.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	return s.exec(ctx, "delete agent "+id, `DELETE FROM agents WHERE id = $1`, id)
}

// ListAgents returns every agent, oldest first.
func (s *Store) ListAgents(ctx context.Context) ([]registry.Agent, error) {
	return listBodies[registry.Agent](ctx, s, "agents")
}

// SaveTool inserts a tool. Tools are immutable once created.
func (s *Store) SaveTool(ctx context.Context, t registry.Tool) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode tool %s: %w", t.ID, err)
	}
	return s.exec(ctx, "save tool "+t.ID, `
		INSERT INTO tools (id, name, category, acquired_from, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.Name, t.Category, t.AcquiredFrom, body, t.CreatedAt,
	)
}

// ListTools returns every tool, oldest first.
func (s *Store) ListTools(ctx context.Context) ([]registry.Tool, error) {
	return listBodies[registry.Tool](ctx, s, "tools")
}
