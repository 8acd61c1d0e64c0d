package mission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nidhogg/nuka-swarm/internal/apperr"
	"github.com/nidhogg/nuka-swarm/internal/bus"
	"github.com/nidhogg/nuka-swarm/internal/registry"
	"go.uber.org/zap"
)

func newTestBoard(t *testing.T, opts Options) (*Board, *registry.Registry) {
	t.Helper()
	logger := zap.NewNop()
	events := bus.New(logger)
	t.Cleanup(func() { _ = events.Close(context.Background()) })
	reg := registry.New(nil, events, logger)

	ctx := context.Background()
	for _, a := range []registry.Agent{
		{ID: "online", Type: registry.TypeModular, Status: registry.StatusOnline, Skills: []string{"recon"}},
		{ID: "critical", Type: registry.TypeOracle, Status: registry.StatusMissionCritical, Level: 3},
		{ID: "offline", Type: registry.TypeModular, Status: registry.StatusOffline},
		{ID: "broken", Type: registry.TypeModular, Status: registry.StatusError},
	} {
		if _, err := reg.Register(ctx, a); err != nil {
			t.Fatalf("register %s: %v", a.ID, err)
		}
	}
	return NewBoard(reg, nil, events, opts, logger), reg
}

func mustCreate(t *testing.T, b *Board, spec Spec) string {
	t.Helper()
	id, err := b.Create(context.Background(), spec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func TestAssignPartialSuccess(t *testing.T) {
	b, _ := newTestBoard(t, Options{})
	ctx := context.Background()
	id := mustCreate(t, b, Spec{Title: "Sweep sector 7"})

	res, err := b.Assign(ctx, id, []string{"offline", "online"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if diff := cmp.Diff([]string{"online"}, res.Assigned); diff != "" {
		t.Errorf("assigned (-want +got):\n%s", diff)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].AgentID != "offline" {
		t.Fatalf("rejected: %+v", res.Rejected)
	}
	if !errors.Is(res.Rejected[0].Err(), apperr.ErrAgentUnavailable) {
		t.Errorf("rejection cause: %v", res.Rejected[0].Err())
	}

	m, _ := b.Get(id)
	if m.Status != StatusPending {
		t.Errorf("status changed to %s", m.Status)
	}
	if diff := cmp.Diff([]string{"online"}, m.AssignedAgents); diff != "" {
		t.Errorf("mission agents (-want +got):\n%s", diff)
	}

	// re-assigning is a no-op
	res, err = b.Assign(ctx, id, []string{"online", "critical", "ghost", "broken"})
	if err != nil {
		t.Fatalf("assign again: %v", err)
	}
	if diff := cmp.Diff([]string{"online", "critical"}, res.Assigned); diff != "" {
		t.Errorf("assigned (-want +got):\n%s", diff)
	}
	if len(res.Rejected) != 2 {
		t.Errorf("rejected: %+v", res.Rejected)
	}
	m, _ = b.Get(id)
	if diff := cmp.Diff([]string{"online", "critical"}, m.AssignedAgents); diff != "" {
		t.Errorf("mission agents (-want +got):\n%s", diff)
	}
}

type capture struct {
	mu     sync.Mutex
	events []string
}

func (c *capture) Publish(kind bus.Kind, entityID, eventType string, data any) bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, eventType)
	return bus.Event{Kind: kind, EntityID: entityID, Type: eventType}
}

func (c *capture) count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func TestAssignDeduplicatesAndSkipsNoopEvents(t *testing.T) {
	_, reg := newTestBoard(t, Options{})
	events := &capture{}
	b := NewBoard(reg, nil, events, Options{}, zap.NewNop())
	ctx := context.Background()
	id := mustCreate(t, b, Spec{Title: "Hold the bridge"})

	res, err := b.Assign(ctx, id, []string{"online", "online", "offline", "offline"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if diff := cmp.Diff([]string{"online"}, res.Assigned); diff != "" {
		t.Errorf("assigned (-want +got):\n%s", diff)
	}
	if len(res.Rejected) != 1 {
		t.Errorf("rejected: %+v", res.Rejected)
	}
	m, _ := b.Get(id)
	if diff := cmp.Diff([]string{"online"}, m.AssignedAgents); diff != "" {
		t.Errorf("mission agents (-want +got):\n%s", diff)
	}
	if got := events.count("mission.assigned"); got != 1 {
		t.Fatalf("assigned events = %d, want 1", got)
	}

	before := m.UpdatedAt
	for _, ids := range [][]string{{"online"}, {"offline"}, {}} {
		if _, err := b.Assign(ctx, id, ids); err != nil {
			t.Fatalf("assign %v: %v", ids, err)
		}
	}
	if got := events.count("mission.assigned"); got != 1 {
		t.Errorf("assigned events after no-op calls = %d, want 1", got)
	}
	m, _ = b.Get(id)
	if !m.UpdatedAt.Equal(before) {
		t.Errorf("updated_at moved on no-op assign: %v -> %v", before, m.UpdatedAt)
	}
}

func TestMissionSnapshotsAreIsolated(t *testing.T) {
	b, _ := newTestBoard(t, Options{})
	deadline := time.Date(2077, 10, 23, 9, 47, 0, 0, time.UTC)
	spec := Spec{
		Title: "Recover the G.E.C.K.",
		Requirements: Requirements{
			Skills:     []string{"recon"},
			AgentTypes: []registry.Type{registry.TypeModular},
			Extra:      map[string]json.RawMessage{"zone": json.RawMessage(`"vault-13"`)},
		},
		Deadline: &deadline,
	}
	id := mustCreate(t, b, spec)

	spec.Requirements.Skills[0] = "stealth"
	spec.Requirements.AgentTypes[0] = registry.TypeOracle
	spec.Requirements.Extra["zone"][1] = 'X'
	spec.Requirements.Extra["injected"] = json.RawMessage(`true`)
	*spec.Deadline = deadline.Add(time.Hour)

	got, err := b.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := Requirements{
		Skills:     []string{"recon"},
		AgentTypes: []registry.Type{registry.TypeModular},
		Extra:      map[string]json.RawMessage{"zone": json.RawMessage(`"vault-13"`)},
	}
	if diff := cmp.Diff(want, got.Requirements); diff != "" {
		t.Errorf("stored requirements changed by caller (-want +got):\n%s", diff)
	}
	if !got.Deadline.Equal(deadline) {
		t.Errorf("deadline = %v, want %v", got.Deadline, deadline)
	}

	got.Requirements.Extra["zone"][1] = 'Y'
	got.Requirements.Extra["other"] = json.RawMessage(`1`)
	got.Requirements.Skills[0] = "hacking"
	again, _ := b.Get(id)
	if diff := cmp.Diff(want, again.Requirements); diff != "" {
		t.Errorf("stored requirements changed through snapshot (-want +got):\n%s", diff)
	}
}

func TestAssignRequirements(t *testing.T) {
	b, _ := newTestBoard(t, Options{})
	id := mustCreate(t, b, Spec{
		Title:        "Deep recon",
		Requirements: Requirements{Skills: []string{"recon"}},
	})
	res, err := b.Assign(context.Background(), id, []string{"online", "critical"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"online"}, res.Assigned); diff != "" {
		t.Errorf("assigned (-want +got):\n%s", diff)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].AgentID != "critical" {
		t.Errorf("rejected: %+v", res.Rejected)
	}
}

func TestExclusivityPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("off by default", func(t *testing.T) {
		b, _ := newTestBoard(t, Options{})
		m1 := mustCreate(t, b, Spec{Title: "one"})
		m2 := mustCreate(t, b, Spec{Title: "two"})
		if _, err := b.Assign(ctx, m1, []string{"online"}); err != nil {
			t.Fatal(err)
		}
		res, _ := b.Assign(ctx, m2, []string{"online"})
		if len(res.Assigned) != 1 {
			t.Errorf("non-exclusive assignment rejected: %+v", res)
		}
	})

	t.Run("exclusive", func(t *testing.T) {
		b, _ := newTestBoard(t, Options{Exclusive: true})
		m1 := mustCreate(t, b, Spec{Title: "one"})
		m2 := mustCreate(t, b, Spec{Title: "two"})
		if _, err := b.Assign(ctx, m1, []string{"online"}); err != nil {
			t.Fatal(err)
		}
		res, _ := b.Assign(ctx, m2, []string{"online"})
		if len(res.Assigned) != 0 || len(res.Rejected) != 1 {
			t.Fatalf("exclusive assignment accepted: %+v", res)
		}

		if err := b.Cancel(ctx, m1); err != nil {
			t.Fatal(err)
		}
		res, _ = b.Assign(ctx, m2, []string{"online"})
		if len(res.Assigned) != 1 {
			t.Errorf("agent not released by terminal mission: %+v", res)
		}
	})
}

func TestProgressMonotonicAndFrozen(t *testing.T) {
	b, _ := newTestBoard(t, Options{})
	ctx := context.Background()
	id := mustCreate(t, b, Spec{Title: "Extract"})

	if _, err := b.Advance(ctx, id, 10); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("advance pending: %v", err)
	}
	if err := b.Start(ctx, id); err != nil {
		t.Fatal(err)
	}

	var last float64
	for _, d := range []float64{5, 0, 30, 80} {
		p, err := b.Advance(ctx, id, d)
		if err != nil {
			t.Fatalf("advance %v: %v", d, err)
		}
		if p < last {
			t.Fatalf("progress decreased: %v -> %v", last, p)
		}
		last = p
	}
	if last != 100 {
		t.Errorf("progress not clamped: %v", last)
	}
	if _, err := b.Advance(ctx, id, -1); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("negative delta: %v", err)
	}

	if err := b.Complete(ctx, id, OutcomeFailed); err != nil {
		t.Fatal(err)
	}
	m, _ := b.Get(id)
	if m.CompletedAt == nil {
		t.Fatal("completedAt not stamped")
	}
	stamped := *m.CompletedAt

	p, err := b.Advance(ctx, id, 1)
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("advance terminal: %v", err)
	}
	if p != 100 {
		t.Errorf("advance on terminal reported %v", p)
	}
	if err := b.Complete(ctx, id, OutcomeCompleted); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("second complete: %v", err)
	}
	m, _ = b.Get(id)
	if !m.CompletedAt.Equal(stamped) || m.Progress != 100 || m.Status != StatusFailed {
		t.Errorf("terminal mission mutated: %+v", m)
	}
}

func TestCancelTransitions(t *testing.T) {
	b, _ := newTestBoard(t, Options{})
	ctx := context.Background()

	pending := mustCreate(t, b, Spec{Title: "p"})
	if err := b.Cancel(ctx, pending); err != nil {
		t.Errorf("cancel pending: %v", err)
	}
	if err := b.Cancel(ctx, pending); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("cancel cancelled: %v", err)
	}
	m, _ := b.Get(pending)
	if m.CompletedAt != nil {
		t.Error("cancel must not stamp completedAt")
	}

	done := mustCreate(t, b, Spec{Title: "d"})
	_ = b.Start(ctx, done)
	_ = b.Complete(ctx, done, OutcomeCompleted)
	if err := b.Cancel(ctx, done); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("cancel completed: %v", err)
	}
	if _, err := b.Assign(ctx, done, []string{"online"}); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("assign completed: %v", err)
	}
	if err := b.Cancel(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("cancel missing: %v", err)
	}
}

func TestCompleteRewardsAgents(t *testing.T) {
	b, reg := newTestBoard(t, Options{ExperienceReward: 150})
	ctx := context.Background()
	id := mustCreate(t, b, Spec{Title: "Rewarded"})
	if _, err := b.Assign(ctx, id, []string{"online"}); err != nil {
		t.Fatal(err)
	}
	_ = b.Start(ctx, id)
	if err := b.Complete(ctx, id, OutcomeCompleted); err != nil {
		t.Fatal(err)
	}
	a, _ := reg.Get("online")
	if a.Stats.Experience != 150 || a.Level != 2 {
		t.Errorf("reward not applied: xp=%v level=%d", a.Stats.Experience, a.Level)
	}
}

func TestListOrdering(t *testing.T) {
	b, _ := newTestBoard(t, Options{})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.SetClock(func() time.Time { now = now.Add(time.Second); return now })

	mustCreate(t, b, Spec{ID: "low", Title: "l", Priority: PriorityLow})
	mustCreate(t, b, Spec{ID: "crit", Title: "c", Priority: PriorityCritical})
	mustCreate(t, b, Spec{ID: "high-1", Title: "h1", Priority: PriorityHigh})
	mustCreate(t, b, Spec{ID: "high-2", Title: "h2", Priority: PriorityHigh})

	var got []string
	for _, m := range b.List(Filter{}) {
		got = append(got, m.ID)
	}
	if diff := cmp.Diff([]string{"crit", "high-1", "high-2", "low"}, got); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
	if _, err := b.Create(context.Background(), Spec{ID: "low", Title: "dup"}); !errors.Is(err, apperr.ErrDuplicateID) {
		t.Errorf("duplicate id: %v", err)
	}
	if _, err := b.Create(context.Background(), Spec{Title: "x", Priority: "urgent"}); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("bad priority: %v", err)
	}
}
