package swarm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nidhogg/nuka-swarm/internal/apperr"
	"github.com/nidhogg/nuka-swarm/internal/bus"
	"github.com/nidhogg/nuka-swarm/internal/registry"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, opts Options) (*Manager, *registry.Registry) {
	t.Helper()
	logger := zap.NewNop()
	reg := registry.New(nil, nil, logger)
	ctx := context.Background()
	for _, a := range []registry.Agent{
		{ID: "ctl", Type: registry.TypeController, Status: registry.StatusOnline},
		{ID: "disp", Type: registry.TypeDispatcher, Status: registry.StatusOnline, ParentID: "ctl"},
		{ID: "w1", Type: registry.TypeModular, Status: registry.StatusOnline, ParentID: "disp",
			Stats: registry.Stats{Efficiency: 0.8, Accuracy: 0.9, Experience: 120}, Skills: []string{"scan"}, Level: 2},
		{ID: "w2", Type: registry.TypeOracle, Status: registry.StatusOffline, ParentID: "ctl",
			Stats: registry.Stats{Efficiency: 0.2, Accuracy: 0.5, Experience: 40}, Skills: []string{"scan", "predict"}, Level: 1},
		{ID: "loner", Type: registry.TypeModular, Status: registry.StatusOnline},
		{ID: "ctl2", Type: registry.TypeController, Status: registry.StatusOnline},
	} {
		if _, err := reg.Register(ctx, a); err != nil {
			t.Fatalf("register %s: %v", a.ID, err)
		}
	}
	return NewManager(reg, nil, nil, opts, logger), reg
}

func TestFormValidatesHierarchy(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	id, err := m.Form(ctx, FormSpec{SwarmType: "recon", ControllerID: "ctl", AgentIDs: []string{"w1", "w2", "disp", "w1"}})
	if err != nil {
		t.Fatalf("form: %v", err)
	}
	d, _ := m.Get(id)
	if diff := cmp.Diff([]string{"w1", "w2", "disp"}, d.AgentIDs); diff != "" {
		t.Errorf("members (-want +got):\n%s", diff)
	}
	if d.Status != StatusStandby {
		t.Errorf("initial status %s", d.Status)
	}

	cases := []struct {
		name string
		spec FormSpec
		want error
	}{
		{"unsupervised member", FormSpec{ControllerID: "ctl", AgentIDs: []string{"loner"}}, apperr.ErrInvalidHierarchy},
		{"dispatcher as controller", FormSpec{ControllerID: "disp", AgentIDs: []string{"w1"}}, apperr.ErrInvalidHierarchy},
		{"missing controller", FormSpec{ControllerID: "ghost", AgentIDs: []string{"w1"}}, apperr.ErrInvalidHierarchy},
		{"missing member", FormSpec{AgentIDs: []string{"ghost"}}, apperr.ErrNotFound},
		{"other controller", FormSpec{ControllerID: "ctl2", AgentIDs: []string{"w1"}}, apperr.ErrInvalidHierarchy},
		{"empty", FormSpec{}, apperr.ErrInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.Form(ctx, tc.spec); !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}

	if _, err := m.Form(ctx, FormSpec{AgentIDs: []string{"loner", "w1"}}); err != nil {
		t.Errorf("uncontrolled swarm: %v", err)
	}
}

func TestAggregateDeterministic(t *testing.T) {
	m, reg := newTestManager(t, Options{})
	ctx := context.Background()
	id, err := m.Form(ctx, FormSpec{ControllerID: "ctl", AgentIDs: []string{"w2", "w1"}})
	if err != nil {
		t.Fatal(err)
	}

	first, err := m.Aggregate(ctx, id)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	second, err := m.Aggregate(ctx, id)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("non-deterministic metrics (-first +second):\n%s", diff)
	}

	if first[MetricAgentCount] != 2 || first[MetricAvailableRatio] != 0.5 {
		t.Errorf("counts: %v", first)
	}
	if first[MetricMeanLevel] != 1.5 || first[MetricMeanExperience] != 80 {
		t.Errorf("means: %v", first)
	}
	// (0.8*0.9 + 0.2*0.5) / (0.8 + 0.2)
	if got := first[MetricWeightedAccuracy]; got < 0.8199 || got > 0.8201 {
		t.Errorf("weighted accuracy: %v", got)
	}
	if first[MetricDistinctSkills] != 2 {
		t.Errorf("distinct skills: %v", first[MetricDistinctSkills])
	}

	// metrics track the registry, never a cached copy
	if err := reg.Heartbeat(ctx, "w2", registry.StatusOnline); err != nil {
		t.Fatal(err)
	}
	third, _ := m.Aggregate(ctx, id)
	if third[MetricAvailableRatio] != 1 {
		t.Errorf("aggregate did not observe heartbeat: %v", third[MetricAvailableRatio])
	}

	if err := reg.Decommission(ctx, "w1", registry.DecommissionOptions{}); err != nil {
		t.Fatal(err)
	}
	fourth, _ := m.Aggregate(ctx, id)
	if fourth[MetricAgentCount] != 1 || fourth[MetricMissingAgents] != 1 {
		t.Errorf("decommissioned member: %v", fourth)
	}

	d, _ := m.Get(id)
	if diff := cmp.Diff(fourth, d.PerformanceMetrics); diff != "" {
		t.Errorf("stored view (-want +got):\n%s", diff)
	}
}

func TestRetireReleasesMembers(t *testing.T) {
	m, reg := newTestManager(t, Options{Exclusive: true})
	ctx := context.Background()
	id, err := m.Form(ctx, FormSpec{AgentIDs: []string{"loner"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Form(ctx, FormSpec{AgentIDs: []string{"loner"}}); !errors.Is(err, apperr.ErrAgentUnavailable) {
		t.Fatalf("exclusive double membership: %v", err)
	}

	if err := m.Retire(ctx, id); err != nil {
		t.Fatalf("retire: %v", err)
	}
	d, _ := m.Get(id)
	if d.Status != StatusTerminated || len(d.AgentIDs) != 0 || d.RetiredAt == nil {
		t.Errorf("retired swarm: %+v", d)
	}
	if !reg.Exists("loner") {
		t.Error("retire destroyed the agent")
	}
	if _, err := m.Form(ctx, FormSpec{AgentIDs: []string{"loner"}}); err != nil {
		t.Errorf("agent not released: %v", err)
	}

	if err := m.Retire(ctx, id); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("double retire: %v", err)
	}
	if _, err := m.Aggregate(ctx, id); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("aggregate terminated: %v", err)
	}
	if err := m.SetStatus(ctx, id, StatusActive); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("revive terminated: %v", err)
	}
}

func TestStatusAndMembership(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	id, _ := m.Form(ctx, FormSpec{ControllerID: "ctl", AgentIDs: []string{"w1"}})

	for _, s := range []Status{StatusActive, StatusDeployed, StatusStandby} {
		if err := m.SetStatus(ctx, id, s); err != nil {
			t.Fatalf("set %s: %v", s, err)
		}
	}
	if err := m.AddMember(ctx, id, "loner"); !errors.Is(err, apperr.ErrInvalidHierarchy) {
		t.Errorf("add unsupervised: %v", err)
	}
	if err := m.AddMember(ctx, id, "w2"); err != nil {
		t.Errorf("add member: %v", err)
	}
	if err := m.RemoveMember(ctx, id, "w1"); err != nil {
		t.Errorf("remove member: %v", err)
	}
	if err := m.RemoveMember(ctx, id, "w1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("remove twice: %v", err)
	}
	d, _ := m.Get(id)
	if diff := cmp.Diff([]string{"w2"}, d.AgentIDs); diff != "" {
		t.Errorf("members (-want +got):\n%s", diff)
	}
}

func TestAggregateAllSkipsTerminated(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	live, _ := m.Form(ctx, FormSpec{AgentIDs: []string{"w1"}})
	dead, _ := m.Form(ctx, FormSpec{AgentIDs: []string{"w2"}})
	_ = m.Retire(ctx, dead)

	m.AggregateAll(ctx)

	d, _ := m.Get(live)
	if d.AggregatedAt == nil {
		t.Error("live swarm not aggregated")
	}
	d, _ = m.Get(dead)
	if d.AggregatedAt != nil {
		t.Error("terminated swarm aggregated")
	}
}

type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) Publish(kind bus.Kind, id, typ string, data any) bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := bus.Event{Kind: kind, EntityID: id, Type: typ, Data: data}
	r.events = append(r.events, ev)
	return ev
}

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestAggregateDetachesReparentedMember(t *testing.T) {
	m, reg := newTestManager(t, Options{})
	events := &recorder{}
	m.events = events
	ctx := context.Background()
	id, err := m.Form(ctx, FormSpec{ControllerID: "ctl", AgentIDs: []string{"w1", "w2"}})
	if err != nil {
		t.Fatal(err)
	}

	if err := reg.Reparent(ctx, "w2", "ctl2"); err != nil {
		t.Fatalf("reparent: %v", err)
	}
	metrics, err := m.Aggregate(ctx, id)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if metrics[MetricAgentCount] != 1 {
		t.Errorf("agent_count = %v, want 1", metrics[MetricAgentCount])
	}
	d, _ := m.Get(id)
	if diff := cmp.Diff([]string{"w1"}, d.AgentIDs); diff != "" {
		t.Errorf("members (-want +got):\n%s", diff)
	}
	if got := events.count("swarm.member_detached"); got != 1 {
		t.Errorf("member_detached events = %d, want 1", got)
	}

	// a decommissioned member is reported missing, not detached
	if err := reg.Decommission(ctx, "w1", registry.DecommissionOptions{}); err != nil {
		t.Fatal(err)
	}
	metrics, _ = m.Aggregate(ctx, id)
	if metrics[MetricMissingAgents] != 1 {
		t.Errorf("missing_agents = %v", metrics[MetricMissingAgents])
	}
}

func TestAgentEventsDetachMovedSubtree(t *testing.T) {
	m, reg := newTestManager(t, Options{})
	ctx := context.Background()
	id, err := m.Form(ctx, FormSpec{ControllerID: "ctl", AgentIDs: []string{"disp", "w1", "w2"}})
	if err != nil {
		t.Fatal(err)
	}
	uncontrolled, _ := m.Form(ctx, FormSpec{AgentIDs: []string{"loner"}})

	// moving the dispatcher carries w1 out of ctl's subtree too
	if err := reg.Reparent(ctx, "disp", "ctl2"); err != nil {
		t.Fatalf("reparent: %v", err)
	}
	ev := bus.Event{Kind: bus.KindAgent, EntityID: "disp", Type: "agent.reparented"}
	if err := m.HandleAgentEvent(ctx, ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	d, _ := m.Get(id)
	if diff := cmp.Diff([]string{"w2"}, d.AgentIDs); diff != "" {
		t.Errorf("members (-want +got):\n%s", diff)
	}
	if d, _ := m.Get(uncontrolled); len(d.AgentIDs) != 1 {
		t.Errorf("uncontrolled swarm changed: %v", d.AgentIDs)
	}

	n, err := m.DetachUnsupervised(ctx)
	if err != nil || n != 0 {
		t.Errorf("second pass detached %d (%v)", n, err)
	}
}

func TestAggregateSeesConcurrentMembershipChanges(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	id, _ := m.Form(ctx, FormSpec{ControllerID: "ctl", AgentIDs: []string{"w1"}})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = m.Aggregate(ctx, id)
		}()
		go func() {
			defer wg.Done()
			_ = m.AddMember(ctx, id, "w2")
			_ = m.RemoveMember(ctx, id, "w2")
		}()
	}
	wg.Wait()

	// the stored view always describes the stored member set
	if _, err := m.Aggregate(ctx, id); err != nil {
		t.Fatal(err)
	}
	d, _ := m.Get(id)
	if got := d.PerformanceMetrics[MetricAgentCount]; got != float64(len(d.AgentIDs)) {
		t.Errorf("agent_count %v for members %v", got, d.AgentIDs)
	}
}
