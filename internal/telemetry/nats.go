package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nidhogg/nuka-swarm/internal/apperr"
	"github.com/nidhogg/nuka-swarm/internal/bus"
	"go.uber.org/zap"
)

// EmbeddedNATS is an in-process NATS server for single-node deployments.
type EmbeddedNATS struct {
	server *natsserver.Server
}

// StartEmbeddedNATS starts a server on port (0 picks a free one).
func StartEmbeddedNATS(port int, dataDir string) (*EmbeddedNATS, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create nats data dir: %w", err)
	}
	if port == 0 {
		port = natsserver.RANDOM_PORT
	}
	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:     "127.0.0.1",
		Port:     port,
		NoLog:    true,
		NoSigs:   true,
		StoreDir: dataDir,
	})
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready")
	}
	return &EmbeddedNATS{server: ns}, nil
}

func (e *EmbeddedNATS) ClientURL() string {
	return e.server.ClientURL()
}

func (e *EmbeddedNATS) Close() {
	e.server.Shutdown()
	e.server.WaitForShutdown()
}

// NATSSink publishes each event as JSON on <prefix>.<event type>, e.g.
// swarm.events.pipeline.completed.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSSink connects to the server at url.
func NewNATSSink(url, prefix string, logger *zap.Logger) (*NATSSink, error) {
	conn, err := nats.Connect(url, nats.Name("nuka-swarm"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Info("NATS event sink connected", zap.String("url", url), zap.String("prefix", prefix))
	return &NATSSink{conn: conn, prefix: prefix, logger: logger}, nil
}

// Subject returns the subject an event type is published on.
func (s *NATSSink) Subject(eventType string) string {
	return s.prefix + "." + eventType
}

// Handle is a bus.Handler.
func (s *NATSSink) Handle(_ context.Context, ev bus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("event not encodable, dropping", zap.String("type", ev.Type), zap.Error(err))
		return nil
	}
	if err := s.conn.Publish(s.Subject(ev.Type), data); err != nil {
		return apperr.Transient(fmt.Errorf("nats publish %s: %w", ev.Type, err))
	}
	return nil
}

// Close flushes pending publishes and closes the connection.
func (s *NATSSink) Close() {
	if err := s.conn.Flush(); err != nil {
		s.logger.Warn("nats flush", zap.Error(err))
	}
	s.conn.Close()
}
