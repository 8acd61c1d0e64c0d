// Package catalog indexes collected tools in a vector store so operators can
// find them by describing what they need.
package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-swarm/internal/apperr"
	"github.com/nidhogg/nuka-swarm/internal/bus"
	"github.com/nidhogg/nuka-swarm/internal/registry"
	"go.uber.org/zap"
)

// Match is a tool search result.
type Match struct {
	ToolID   string  `json:"tool_id"`
	Name     string  `json:"name"`
	Category string  `json:"category,omitempty"`
	Score    float32 `json:"score"`
}

// Catalog keeps the tool collection searchable.
type Catalog struct {
	index      Index
	embedder   Embedder
	collection string
	logger     *zap.Logger
}

func New(index Index, embedder Embedder, collection string, logger *zap.Logger) *Catalog {
	return &Catalog{index: index, embedder: embedder, collection: collection, logger: logger}
}

// Init creates the collection and indexes tools already in the registry.
func (c *Catalog) Init(ctx context.Context, tools []registry.Tool) error {
	if err := c.index.EnsureCollection(ctx, c.collection, uint64(c.embedder.Dimension())); err != nil {
		return err
	}
	if len(tools) == 0 {
		return nil
	}
	if err := c.Add(ctx, tools...); err != nil {
		return err
	}
	c.logger.Info("tool catalog indexed", zap.Int("tools", len(tools)))
	return nil
}

// Add embeds and upserts tools.
func (c *Catalog) Add(ctx context.Context, tools ...registry.Tool) error {
	texts := make([]string, len(tools))
	for i, t := range tools {
		texts[i] = describe(t)
	}
	vectors, err := c.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed tools: %w", err)
	}
	points := make([]Point, len(tools))
	for i, t := range tools {
		points[i] = Point{
			ID:     pointID(t.ID),
			Vector: vectors[i],
			Payload: map[string]string{
				"tool_id":  t.ID,
				"name":     t.Name,
				"category": t.Category,
			},
		}
	}
	return c.index.Upsert(ctx, c.collection, points)
}

// Search returns up to limit tools closest to query.
func (c *Catalog) Search(ctx context.Context, query string, limit int) ([]Match, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperr.Invalid("search query is required")
	}
	if limit <= 0 {
		limit = 10
	}
	vectors, err := c.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := c.index.Search(ctx, c.collection, vectors[0], uint64(limit))
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(hits))
	for _, h := range hits {
		out = append(out, Match{
			ToolID:   h.Payload["tool_id"],
			Name:     h.Payload["name"],
			Category: h.Payload["category"],
			Score:    h.Score,
		})
	}
	return out, nil
}

// Filter selects tool events.
func (c *Catalog) Filter() bus.Filter {
	return bus.Filter{Kinds: []bus.Kind{bus.KindTool}}
}

// Handle is a bus.Handler indexing newly created tools.
func (c *Catalog) Handle(ctx context.Context, ev bus.Event) error {
	if ev.Type != "tool.created" {
		return nil
	}
	t, ok := ev.Data.(registry.Tool)
	if !ok {
		return nil
	}
	if err := c.Add(ctx, t); err != nil {
		c.logger.Warn("index tool", zap.String("tool", t.ID), zap.Bool("retry", apperr.IsTransient(err)), zap.Error(err))
		if apperr.IsTransient(err) {
			return err
		}
	}
	return nil
}

func describe(t registry.Tool) string {
	parts := []string{t.Name, t.Category, t.Description}
	parts = append(parts, t.Capabilities...)
	return strings.Join(parts, " ")
}

// pointID maps a tool id to the UUID Qdrant requires.
func pointID(toolID string) string {
	if u, err := uuid.Parse(toolID); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:nuka-swarm:tool:"+toolID)).String()
}
