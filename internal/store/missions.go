package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/nuka-swarm/internal/mission"
)

// SaveMission upserts a mission.
func (s *Store) SaveMission(ctx context.Context, m mission.Mission) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode mission %s: %w", m.ID, err)
	}
	return s.exec(ctx, "save mission "+m.ID, `
		INSERT INTO missions (id, status, priority, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			body = EXCLUDED.body,
			updated_at = EXCLUDED.updated_at`,
		m.ID, string(m.Status), string(m.Priority), body, m.CreatedAt, m.UpdatedAt,
	)
}

// ListMissions returns every mission, oldest first.
func (s *Store) ListMissions(ctx context.Context) ([]mission.Mission, error) {
	return listBodies[mission.Mission](ctx, s, "missions")
}
