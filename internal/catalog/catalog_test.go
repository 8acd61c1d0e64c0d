package catalog

import (
	"context"
	"errors"
	"math"
	"slices"
	"sort"
	"sync"
	"testing"

	"github.com/nidhogg/nuka-swarm/internal/apperr"
	"github.com/nidhogg/nuka-swarm/internal/bus"
	"github.com/nidhogg/nuka-swarm/internal/registry"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// memIndex is a brute-force cosine index.
type memIndex struct {
	mu     sync.Mutex
	dim    uint64
	points map[string]Point
}

func newMemIndex() *memIndex { return &memIndex{points: make(map[string]Point)} }

func (m *memIndex) EnsureCollection(_ context.Context, _ string, dimension uint64) error {
	m.dim = dimension
	return nil
}

func (m *memIndex) Upsert(_ context.Context, _ string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		if uint64(len(p.Vector)) != m.dim {
			return errors.New("dimension mismatch")
		}
		m.points[p.ID] = p
	}
	return nil
}

func (m *memIndex) Search(_ context.Context, _ string, vector []float32, limit uint64) ([]Hit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hits []Hit
	for _, p := range m.points {
		var dot float32
		for i := range vector {
			dot += vector[i] * p.Vector[i]
		}
		hits = append(hits, Hit{ID: p.ID, Score: dot, Payload: p.Payload})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if uint64(len(hits)) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func TestHashEmbedderDeterministicAndNormalized(t *testing.T) {
	e := NewHashEmbedder(64)
	vs, err := e.Embed(context.Background(), []string{"Router Adapter", "router adapter", ""})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(vs[0], vs[1]) {
		t.Error("embedding should ignore case")
	}
	var norm float64
	for _, x := range vs[0] {
		norm += float64(x) * float64(x)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("norm = %v, want 1", norm)
	}
	for _, x := range vs[2] {
		if x != 0 {
			t.Fatal("empty text should embed to the zero vector")
		}
	}
	if e.Dimension() != 64 || len(vs[0]) != 64 {
		t.Errorf("dimension = %d/%d", e.Dimension(), len(vs[0]))
	}
}

func TestSearchRanksRelevantToolFirst(t *testing.T) {
	ctx := context.Background()
	c := New(newMemIndex(), NewHashEmbedder(256), "tools", zap.NewNop())
	tools := []registry.Tool{
		{ID: "t-router", Name: "router-adapter", Category: "network", Capabilities: []string{"packet routing", "bgp"}},
		{ID: "t-db", Name: "postgres-probe", Category: "storage", Capabilities: []string{"query latency"}},
		{ID: "t-log", Name: "log-shipper", Category: "observability", Capabilities: []string{"tail logs"}},
	}
	if err := c.Init(ctx, tools); err != nil {
		t.Fatalf("Init: %v", err)
	}

	got, err := c.Search(ctx, "packet routing network", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(got))
	}
	if got[0].ToolID != "t-router" {
		t.Errorf("top match = %s, want t-router", got[0].ToolID)
	}

	if _, err := c.Search(ctx, "  ", 5); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("blank query: err = %v", err)
	}
}

func TestHandleIndexesCreatedTools(t *testing.T) {
	ctx := context.Background()
	idx := newMemIndex()
	c := New(idx, NewHashEmbedder(32), "tools", zap.NewNop())
	if err := c.Init(ctx, nil); err != nil {
		t.Fatal(err)
	}

	tool := registry.Tool{ID: "t1", Name: "scanner"}
	if err := c.Handle(ctx, bus.Event{Kind: bus.KindTool, EntityID: "t1", Type: "tool.created", Data: tool}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	// same tool again is an upsert on the same point
	if err := c.Handle(ctx, bus.Event{Kind: bus.KindTool, EntityID: "t1", Type: "tool.created", Data: tool}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(idx.points) != 1 {
		t.Fatalf("expected 1 point, got %d", len(idx.points))
	}
	if _, ok := idx.points[pointID("t1")]; !ok {
		t.Error("point stored under unexpected id")
	}
}

func TestPointIDKeepsUUIDs(t *testing.T) {
	const id = "6ba7b811-9dad-11d1-80b4-00c04fd430c8"
	if pointID(id) != id {
		t.Errorf("uuid tool id rewritten to %s", pointID(id))
	}
	if pointID("scanner") != pointID("scanner") || pointID("scanner") == pointID("probe") {
		t.Error("derived point ids must be stable and distinct")
	}
}

type failingIndex struct {
	memIndex
	err error
}

func (f *failingIndex) Upsert(context.Context, string, []Point) error { return f.err }

func TestHandleRedeliversOnlyTransientFailures(t *testing.T) {
	ev := bus.Event{Kind: bus.KindTool, EntityID: "t1", Type: "tool.created", Data: registry.Tool{ID: "t1", Name: "scanner"}}

	down := &failingIndex{err: classify(status.Error(codes.Unavailable, "qdrant restarting"))}
	if err := New(down, NewHashEmbedder(8), "tools", zap.NewNop()).Handle(context.Background(), ev); !apperr.IsTransient(err) {
		t.Errorf("unavailable index: got %v, want transient", err)
	}

	broken := &failingIndex{err: classify(status.Error(codes.InvalidArgument, "wrong dimension"))}
	if err := New(broken, NewHashEmbedder(8), "tools", zap.NewNop()).Handle(context.Background(), ev); err != nil {
		t.Errorf("permanent failure should be dropped, got %v", err)
	}
}
