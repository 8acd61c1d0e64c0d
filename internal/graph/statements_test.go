package graph

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nidhogg/nuka-swarm/internal/bus"
	"github.com/nidhogg/nuka-swarm/internal/registry"
	"github.com/nidhogg/nuka-swarm/internal/swarm"
)

func TestStatementFor(t *testing.T) {
	cases := []struct {
		name   string
		ev     bus.Event
		query  string
		params map[string]any
	}{
		{
			name: "register with parent",
			ev: bus.Event{Kind: bus.KindAgent, EntityID: "w1", Type: "agent.registered", Data: registry.Agent{
				ID: "w1", Type: registry.TypeModular, Role: "scanner", Status: registry.StatusOnline, ParentID: "ctl", Level: 2,
			}},
			query: registerAgent,
			params: map[string]any{
				"id": "w1", "type": "Modular", "role": "scanner", "status": "online", "level": int64(2), "parent": "ctl",
			},
		},
		{
			name:   "reparent",
			ev:     bus.Event{EntityID: "w1", Type: "agent.reparented", Data: map[string]any{"parent_id": "disp", "previous_parent_id": "ctl"}},
			query:  reparentAgent,
			params: map[string]any{"id": "w1", "parent": "disp"},
		},
		{
			name:   "reparent to root",
			ev:     bus.Event{EntityID: "w1", Type: "agent.reparented", Data: map[string]any{"parent_id": "", "previous_parent_id": "ctl"}},
			query:  reparentAgent,
			params: map[string]any{"id": "w1", "parent": ""},
		},
		{
			name:   "heartbeat status",
			ev:     bus.Event{EntityID: "w1", Type: "agent.heartbeat", Data: map[string]any{"status": registry.StatusError}},
			query:  setAgentStatus,
			params: map[string]any{"id": "w1", "status": "error"},
		},
		{
			name:   "stale",
			ev:     bus.Event{EntityID: "w1", Type: "agent.stale"},
			query:  setAgentStatus,
			params: map[string]any{"id": "w1", "status": "offline"},
		},
		{
			name:   "tool attached",
			ev:     bus.Event{EntityID: "w1", Type: "agent.tool_attached", Data: map[string]any{"tool_id": "t1", "tool": "scanner"}},
			query:  linkTool,
			params: map[string]any{"id": "w1", "tool": "t1"},
		},
		{
			name: "swarm formed",
			ev: bus.Event{EntityID: "s1", Type: "swarm.formed", Data: swarm.Deployment{
				ID: "s1", SwarmType: "recon", ControllerID: "ctl", AgentIDs: []string{"w1", "w2"}, Status: swarm.StatusStandby,
			}},
			query: mergeSwarm,
			params: map[string]any{
				"id": "s1", "type": "recon", "status": "standby", "controller": "ctl", "members": []any{"w1", "w2"},
			},
		},
		{
			name:   "swarm retired",
			ev:     bus.Event{EntityID: "s1", Type: "swarm.retired", Data: map[string]any{"released": []string{"w1"}}},
			query:  retireSwarm,
			params: map[string]any{"id": "s1", "status": "terminated"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			query, params, ok := statementFor(tc.ev)
			if !ok {
				t.Fatal("expected a statement")
			}
			if query != tc.query {
				t.Errorf("unexpected query:\n%s", query)
			}
			if diff := cmp.Diff(tc.params, params); diff != "" {
				t.Errorf("params mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStatementForIgnoresUnmirroredEvents(t *testing.T) {
	for _, ev := range []bus.Event{
		{Type: "agent.stats_updated"},
		{Type: "swarm.aggregated"},
		{Type: "pipeline.completed"},
		{Type: "agent.registered", Data: map[string]any{"id": "decoded elsewhere"}},
	} {
		if _, _, ok := statementFor(ev); ok {
			t.Errorf("%s should not produce a statement", ev.Type)
		}
	}
}
