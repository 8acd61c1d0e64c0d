package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/nuka-swarm/internal/swarm"
)

// SaveSwarm upserts a swarm deployment.
func (s *Store) SaveSwarm(ctx context.Context, d swarm.Deployment) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode swarm %s: %w", d.ID, err)
	}
	return s.exec(ctx, "save swarm "+d.ID, `
		INSERT INTO swarms (id, status, controller_id, body, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			controller_id = EXCLUDED.controller_id,
			body = EXCLUDED.body,
			updated_at = EXCLUDED.updated_at`,
		d.ID, string(d.Status), d.ControllerID, body, d.CreatedAt, d.UpdatedAt,
	)
}

// ListSwarms returns every swarm, oldest first.
func (s *Store) ListSwarms(ctx context.Context) ([]swarm.Deployment, error) {
	return listBodies[swarm.Deployment](ctx, s, "swarms")
}
