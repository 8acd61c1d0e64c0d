// Package app assembles the orchestration core from configuration: storage,
// the event bus, the four domain components and whichever sinks are
// configured. It owns their start-up order and their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/api"
	"github.com/nidhogg/nuka-swarm/internal/bus"
	"github.com/nidhogg/nuka-swarm/internal/catalog"
	"github.com/nidhogg/nuka-swarm/internal/config"
	"github.com/nidhogg/nuka-swarm/internal/graph"
	"github.com/nidhogg/nuka-swarm/internal/mission"
	"github.com/nidhogg/nuka-swarm/internal/pipeline"
	"github.com/nidhogg/nuka-swarm/internal/producer"
	"github.com/nidhogg/nuka-swarm/internal/registry"
	"github.com/nidhogg/nuka-swarm/internal/store"
	"github.com/nidhogg/nuka-swarm/internal/store/sqlite"
	"github.com/nidhogg/nuka-swarm/internal/swarm"
	"github.com/nidhogg/nuka-swarm/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Persistence is a storage backend serving every component.
type Persistence interface {
	registry.Persister
	mission.Persister
	swarm.Persister
	pipeline.Persister
	Ping(ctx context.Context) error
	Close() error
}

// Service is the running core.
type Service struct {
	Bus       *bus.Bus
	Registry  *registry.Registry
	Missions  *mission.Board
	Swarms    *swarm.Manager
	Pipelines *pipeline.Engine
	Catalog   *catalog.Catalog
	Graph     *graph.Mirror
	Alerts    *telemetry.Alerter

	cfg     *config.Config
	store   Persistence
	closers []closer
	logger  *zap.Logger
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// Open connects storage, restores state and attaches the configured sinks.
// Storage failures are fatal; an unreachable sink is logged and skipped.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Service, error) {
	persist, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, persist, logger)
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Persistence, error) {
	if dsn := cfg.Database.Postgres.DSN; dsn != "" {
		pg, err := store.New(ctx, dsn, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx, cfg.Database.Postgres.MigrationsDir); err != nil {
			pg.Close()
			return nil, err
		}
		logger.Info("PostgreSQL store ready")
		return pg, nil
	}
	lite, err := sqlite.New(cfg.Database.SQLite.Path, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("SQLite store ready", zap.String("path", cfg.Database.SQLite.Path))
	return lite, nil
}

// New builds the service on an already open store. The store is closed by
// Close, or immediately when New fails.
func New(ctx context.Context, cfg *config.Config, persist Persistence, logger *zap.Logger) (*Service, error) {
	s := &Service{cfg: cfg, store: persist, logger: logger}
	s.Bus = bus.New(logger, bus.WithQueueLimit(cfg.Events.QueueLimit))

	s.Registry = registry.New(persist, s.Bus, logger)
	s.Missions = mission.NewBoard(s.Registry, persist, s.Bus, mission.Options{
		Exclusive:        cfg.Missions.Exclusive,
		ExperienceReward: cfg.Missions.ExperienceReward,
	}, logger)
	s.Swarms = swarm.NewManager(s.Registry, persist, s.Bus, swarm.Options{
		Exclusive: cfg.Swarms.Exclusive,
	}, logger)

	// Missions and swarms reference agents, so the registry loads first.
	loaders := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"agents", s.Registry.Load},
		{"missions", s.Missions.Load},
		{"swarms", s.Swarms.Load},
	}
	for _, l := range loaders {
		if err := l.fn(ctx); err != nil {
			s.abort()
			return nil, fmt.Errorf("load %s: %w", l.name, err)
		}
	}

	if n, err := s.Swarms.DetachUnsupervised(ctx); err != nil {
		logger.Warn("swarm membership check failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("detached members that left their controller", zap.Int("count", n))
	}
	s.subscribe("swarm-membership", bus.Filter{Kinds: []bus.Kind{bus.KindAgent}}, s.Swarms.HandleAgentEvent)

	s.attachSinks(ctx)

	engine, err := pipeline.NewEngine(
		producer.FromConfig(cfg.Pipeline.Producers, logger),
		s.Registry, persist, s.Bus, pipelineOptions(cfg.Pipeline), logger)
	if err != nil {
		s.abort()
		return nil, err
	}
	s.Pipelines = engine
	// Resumed reconciliations publish registry events, so sinks are attached
	// before this point.
	if err := engine.Load(ctx); err != nil {
		s.abort()
		return nil, fmt.Errorf("load pipelines: %w", err)
	}

	logger.Info("orchestration core ready",
		zap.Int("agents", s.Registry.Len()),
		zap.Int("missions", len(s.Missions.List(mission.Filter{}))),
		zap.Int("swarms", len(s.Swarms.List(""))),
		zap.Int("pipelines", len(engine.List(pipeline.Filter{}))))
	return s, nil
}

func pipelineOptions(pc config.PipelineConfig) pipeline.Options {
	retry := func(rc config.RetryConfig) pipeline.RetryPolicy {
		return pipeline.RetryPolicy{
			MaxAttempts:     rc.MaxAttempts,
			InitialInterval: rc.InitialInterval.Std(),
			MaxInterval:     rc.MaxInterval.Std(),
		}
	}
	return pipeline.Options{
		MaxConcurrent: pc.MaxConcurrent,
		GracePeriod:   pc.GracePeriod.Std(),
		Timeouts: map[pipeline.Depth]time.Duration{
			pipeline.DepthBasic:    pc.Timeouts.Basic.Std(),
			pipeline.DepthStandard: pc.Timeouts.Standard.Std(),
			pipeline.DepthDeep:     pc.Timeouts.Deep.Std(),
		},
		Retry:     retry(pc.Retry),
		Reconcile: retry(pc.Reconcile),
	}
}

// APIDeps returns what the HTTP API serves.
func (s *Service) APIDeps() api.Deps {
	return api.Deps{
		Registry:       s.Registry,
		Missions:       s.Missions,
		Swarms:         s.Swarms,
		Pipelines:      s.Pipelines,
		Bus:            s.Bus,
		Catalog:        s.Catalog,
		Graph:          s.Graph,
		Alerts:         s.Alerts,
		Store:          s.store,
		IdempotencyTTL: s.cfg.Server.IdempotencyTTL.Std(),
	}
}

// Run drives the periodic work (swarm aggregation, heartbeat sweep) until ctx
// is done.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if interval := s.cfg.Swarms.AggregateInterval.Std(); interval > 0 {
		g.Go(func() error {
			s.Swarms.Run(ctx, interval)
			return nil
		})
	}
	if s.cfg.Agents.SweepInterval > 0 && s.cfg.Agents.HeartbeatTTL > 0 {
		g.Go(func() error {
			s.sweep(ctx, s.cfg.Agents.SweepInterval.Std(), s.cfg.Agents.HeartbeatTTL.Std())
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) sweep(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Registry.MarkStale(ctx, ttl)
			if err != nil {
				s.logger.Warn("heartbeat sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("agents marked offline", zap.Int("count", n), zap.Duration("ttl", ttl))
			}
		}
	}
}

// Close stops the engine first so interrupted pipelines are persisted, then
// drains the bus into the sinks, then closes sinks and storage.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if s.Pipelines != nil {
		if err := s.Pipelines.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close pipelines: %w", err))
		}
	}
	if err := s.Bus.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		if err := c.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// abort releases whatever New opened before failing.
func (s *Service) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		s.logger.Warn("cleanup after failed start", zap.Error(err))
	}
}

func (s *Service) onClose(name string, fn func(ctx context.Context) error) {
	s.closers = append(s.closers, closer{name: name, fn: fn})
}

func (s *Service) subscribe(name string, filter bus.Filter, h bus.Handler) {
	s.Bus.Subscribe(name, filter, h)
	s.logger.Info("event sink attached", zap.String("sink", name))
}
