package app

import (
	"context"

	"github.com/nidhogg/nuka-swarm/internal/bus"
	"github.com/nidhogg/nuka-swarm/internal/catalog"
	"github.com/nidhogg/nuka-swarm/internal/graph"
	"github.com/nidhogg/nuka-swarm/internal/registry"
	"github.com/nidhogg/nuka-swarm/internal/telemetry"
	"go.uber.org/zap"
)

// attachSinks connects every configured sink and subscribes it to the bus.
func (s *Service) attachSinks(ctx context.Context) {
	db := s.cfg.Database

	if db.Redis.URL != "" {
		sink, err := telemetry.NewStreamSink(ctx, db.Redis.URL, db.Redis.Stream, db.Redis.MaxLen, s.logger)
		if err != nil {
			s.logger.Warn("Redis unavailable, running without event stream", zap.Error(err))
		} else {
			s.onClose("redis stream", func(context.Context) error { return sink.Close() })
			s.subscribe("redis-stream", bus.Filter{}, sink.Handle)
		}
	}

	s.attachNATS()

	var notifiers []telemetry.Notifier
	if c := s.cfg.Alerts.Slack; c.Enabled {
		notifiers = append(notifiers, telemetry.NewSlackNotifier(c.BotToken, c.Channel, s.logger))
	}
	if c := s.cfg.Alerts.Discord; c.Enabled {
		n, err := telemetry.NewDiscordNotifier(c.BotToken, c.ChannelID, s.logger)
		if err != nil {
			s.logger.Warn("Discord alerts disabled", zap.Error(err))
		} else {
			notifiers = append(notifiers, n)
		}
	}
	// The alerter always runs so /api/alerts shows what would have been sent.
	s.Alerts = telemetry.NewAlerter(s.logger, notifiers...)
	s.subscribe("alerts", s.Alerts.Filter(), s.Alerts.Handle)

	if db.Neo4j.URI != "" {
		if m, err := s.openGraph(ctx); err != nil {
			s.logger.Warn("Neo4j unavailable, running without hierarchy mirror", zap.Error(err))
		} else {
			s.Graph = m
			s.onClose("neo4j", m.Close)
			s.subscribe("graph-mirror", m.Filter(), m.Handle)
		}
	}

	if db.Qdrant.Host != "" {
		if c, err := s.openCatalog(ctx); err != nil {
			s.logger.Warn("Qdrant unavailable, running without tool search", zap.Error(err))
		} else {
			s.Catalog = c
			s.subscribe("tool-catalog", c.Filter(), c.Handle)
		}
	}
}

func (s *Service) attachNATS() {
	url := s.cfg.NATS.URL
	if s.cfg.NATS.Embedded {
		ns, err := telemetry.StartEmbeddedNATS(s.cfg.NATS.Port, s.cfg.NATS.DataDir)
		if err != nil {
			s.logger.Warn("embedded NATS failed to start", zap.Error(err))
			return
		}
		s.onClose("embedded nats", func(context.Context) error {
			ns.Close()
			return nil
		})
		url = ns.ClientURL()
		s.logger.Info("embedded NATS started", zap.String("url", url))
	}
	if url == "" {
		return
	}
	sink, err := telemetry.NewNATSSink(url, s.cfg.NATS.Prefix, s.logger)
	if err != nil {
		s.logger.Warn("NATS unavailable, running without event publishing", zap.Error(err))
		return
	}
	s.onClose("nats", func(context.Context) error {
		sink.Close()
		return nil
	})
	s.subscribe("nats", bus.Filter{}, sink.Handle)
}

// openGraph connects the mirror and rebuilds it from the loaded state.
func (s *Service) openGraph(ctx context.Context) (*graph.Mirror, error) {
	c := s.cfg.Database.Neo4j
	m, err := graph.New(ctx, c.URI, c.User, c.Password, s.logger)
	if err != nil {
		return nil, err
	}
	if err := m.EnsureSchema(ctx); err != nil {
		m.Close(ctx)
		return nil, err
	}
	if err := m.Sync(ctx, s.Registry.List(registry.Filter{}), s.Registry.ListTools(), s.Swarms.List("")); err != nil {
		m.Close(ctx)
		return nil, err
	}
	return m, nil
}

func (s *Service) openCatalog(ctx context.Context) (*catalog.Catalog, error) {
	c := s.cfg.Database.Qdrant
	index, err := catalog.DialQdrant(c.Host, c.Port)
	if err != nil {
		return nil, err
	}
	var embedder catalog.Embedder = catalog.NewHashEmbedder(c.Dimension)
	if e := c.Embedding; e.Endpoint != "" {
		embedder = catalog.NewAPIEmbedder(e.Endpoint, e.Model, e.APIKey, c.Dimension, e.Timeout.Std())
		s.logger.Info("tool catalog uses remote embeddings", zap.String("endpoint", e.Endpoint), zap.String("model", e.Model))
	}
	cat := catalog.New(index, embedder, c.Collection, s.logger)
	if err := cat.Init(ctx, s.Registry.ListTools()); err != nil {
		index.Close()
		return nil, err
	}
	s.onClose("qdrant", func(context.Context) error { return index.Close() })
	return cat, nil
}
