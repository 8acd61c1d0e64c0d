// Package graph mirrors the agent hierarchy, tool collection and swarm
// membership into Neo4j so they can be explored with Cypher. The registry stays
// the source of truth; the mirror is rebuilt from it on start and kept current
// from bus events.
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/nuka-swarm/internal/bus"
	"github.com/nidhogg/nuka-swarm/internal/registry"
	"github.com/nidhogg/nuka-swarm/internal/swarm"
	"go.uber.org/zap"
)

// Mirror writes registry state into Neo4j.
type Mirror struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// New connects to Neo4j. An empty user disables authentication.
func New(ctx context.Context, uri, user, password string, logger *zap.Logger) (*Mirror, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	logger.Info("Neo4j connected", zap.String("uri", uri))
	return &Mirror{driver: driver, logger: logger}, nil
}

func (m *Mirror) Close(ctx context.Context) error {
	return m.driver.Close(ctx)
}

// EnsureSchema creates the uniqueness constraints the MERGE statements rely on.
func (m *Mirror) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE CONSTRAINT agent_id IF NOT EXISTS FOR (a:Agent) REQUIRE a.id IS UNIQUE`,
		`CREATE CONSTRAINT tool_id IF NOT EXISTS FOR (t:Tool) REQUIRE t.id IS UNIQUE`,
		`CREATE CONSTRAINT swarm_id IF NOT EXISTS FOR (s:Swarm) REQUIRE s.id IS UNIQUE`,
	}
	for _, q := range stmts {
		if err := m.run(ctx, q, nil); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Sync replaces the mirror with the given snapshot. Every agent node is merged
// before any SUPERVISES edge is linked, so agents may come in any order.
func (m *Mirror) Sync(ctx context.Context, agents []registry.Agent, tools []registry.Tool, swarms []swarm.Deployment) error {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `MATCH (n) WHERE n:Agent OR n:Tool OR n:Swarm DETACH DELETE n`, nil); err != nil {
			return nil, err
		}
		for _, t := range tools {
			if _, err := tx.Run(ctx, mergeTool, toolParams(t)); err != nil {
				return nil, err
			}
		}
		for _, a := range agents {
			if _, err := tx.Run(ctx, mergeAgent, agentParams(a)); err != nil {
				return nil, err
			}
		}
		for _, a := range agents {
			if a.ParentID != "" {
				if _, err := tx.Run(ctx, linkParent, map[string]any{"id": a.ID, "parent": a.ParentID}); err != nil {
					return nil, err
				}
			}
			for _, toolID := range a.Tools {
				if _, err := tx.Run(ctx, linkTool, map[string]any{"id": a.ID, "tool": toolID}); err != nil {
					return nil, err
				}
			}
		}
		for _, d := range swarms {
			if _, err := tx.Run(ctx, mergeSwarm, swarmParams(d)); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("sync graph: %w", err)
	}
	m.logger.Info("graph mirror synced",
		zap.Int("agents", len(agents)),
		zap.Int("tools", len(tools)),
		zap.Int("swarms", len(swarms)))
	return nil
}

// Filter selects the events the mirror consumes.
func (m *Mirror) Filter() bus.Filter {
	return bus.Filter{Kinds: []bus.Kind{bus.KindAgent, bus.KindTool, bus.KindSwarm}}
}

// Handle is a bus.Handler. Retryable driver errors are returned for
// redelivery; anything else is logged and the event skipped.
func (m *Mirror) Handle(ctx context.Context, ev bus.Event) error {
	query, params, ok := statementFor(ev)
	if !ok {
		return nil
	}
	if err := m.run(ctx, query, params); err != nil {
		if neo4j.IsRetryable(err) {
			return err
		}
		m.logger.Error("graph mirror update skipped",
			zap.String("type", ev.Type),
			zap.String("entity", ev.EntityID),
			zap.Error(err))
	}
	return nil
}

// Lineage returns the supervisor chain above id, nearest first.
func (m *Mirror) Lineage(ctx context.Context, id string) ([]string, error) {
	return m.ids(ctx,
		`MATCH path = (s:Agent)-[:SUPERVISES*1..]->(:Agent {id: $id})
		 RETURN s.id AS id ORDER BY length(path)`,
		map[string]any{"id": id})
}

// Subtree returns every agent supervised directly or indirectly by id.
func (m *Mirror) Subtree(ctx context.Context, id string) ([]string, error) {
	return m.ids(ctx,
		`MATCH path = (:Agent {id: $id})-[:SUPERVISES*1..]->(d:Agent)
		 RETURN d.id AS id ORDER BY length(path), d.id`,
		map[string]any{"id": id})
}

// Holders returns the agents that collected toolID.
func (m *Mirror) Holders(ctx context.Context, toolID string) ([]string, error) {
	return m.ids(ctx,
		`MATCH (a:Agent)-[:COLLECTED]->(:Tool {id: $tool}) RETURN a.id AS id ORDER BY a.id`,
		map[string]any{"tool": toolID})
}

func (m *Mirror) run(ctx context.Context, query string, params map[string]any) error {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	return err
}

func (m *Mirror) ids(ctx context.Context, query string, params map[string]any) ([]string, error) {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	var out []string
	for result.Next(ctx) {
		v, _ := result.Record().Get("id")
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, result.Err()
}
