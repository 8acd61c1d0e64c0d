package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/nuka-swarm/internal/pipeline"
)

// SavePipeline upserts a pipeline record.
func (s *Store) SavePipeline(ctx context.Context, p pipeline.Pipeline) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pipeline %s: %w", p.ID, err)
	}
	return s.exec(ctx, "save pipeline "+p.ID, `
		INSERT INTO pipelines (id, status, target, restart_of, body, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			body = EXCLUDED.body,
			updated_at = EXCLUDED.updated_at`,
		p.ID, string(p.Status), p.Target, p.RestartOf, body, p.CreatedAt, p.UpdatedAt,
	)
}

// ListPipelines returns every pipeline record, oldest first.
func (s *Store) ListPipelines(ctx context.Context) ([]pipeline.Pipeline, error) {
	return listBodies[pipeline.Pipeline](ctx, s, "pipelines")
}
