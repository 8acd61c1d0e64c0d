package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nidhogg/nuka-swarm/internal/apperr"
	"github.com/nidhogg/nuka-swarm/internal/bus"
	"github.com/nidhogg/nuka-swarm/internal/mission"
	"github.com/nidhogg/nuka-swarm/internal/pipeline"
	"github.com/nidhogg/nuka-swarm/internal/producer"
	"github.com/nidhogg/nuka-swarm/internal/registry"
	"github.com/nidhogg/nuka-swarm/internal/swarm"
	"go.uber.org/zap"
)

// newTestHandler wires in-memory components (no persistence, no sinks).
func newTestHandler(t *testing.T) (*Handler, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()

	events := bus.New(logger)
	reg := registry.New(nil, events, logger)
	board := mission.NewBoard(reg, nil, events, mission.Options{ExperienceReward: 10}, logger)
	swarms := swarm.NewManager(reg, nil, events, swarm.Options{}, logger)

	producers := make(map[pipeline.Phase]pipeline.Producer)
	for _, phase := range pipeline.Phases {
		producers[phase] = producer.NewBuiltin(phase, 0)
	}
	engine, err := pipeline.NewEngine(producers, reg, nil, events, pipeline.Options{
		MaxConcurrent: 2,
		GracePeriod:   time.Second,
		Retry:         pipeline.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		Reconcile:     pipeline.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}, logger)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	h := NewHandler(Deps{
		Registry:  reg,
		Missions:  board,
		Swarms:    swarms,
		Pipelines: engine,
		Bus:       events,
	}, logger)
	ts := httptest.NewServer(h.Router())

	t.Cleanup(func() {
		h.Close()
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		engine.Close(ctx)
		events.Close(ctx)
	})
	return h, ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func deleteReq(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest("DELETE", ts.URL+path, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body map[string]any
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		t.Fatalf("%s %s: expected %d, got %d (%v)", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode, body)
	}
}

func register(t *testing.T, ts *httptest.Server, a registry.Agent) {
	t.Helper()
	resp := postJSON(t, ts, "/api/agents", a)
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := getJSON(t, ts, "/api/health")
	expectStatus(t, resp, http.StatusOK)
	var body map[string]any
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthCheckPingsStore(t *testing.T) {
	h, ts := newTestHandler(t)

	h.store = pingFunc(func(context.Context) error { return nil })
	resp := getJSON(t, ts, "/api/health")
	expectStatus(t, resp, http.StatusOK)
	var body map[string]any
	decodeJSON(t, resp, &body)
	if body["store"] != "ok" {
		t.Errorf("store = %v", body["store"])
	}

	h.store = pingFunc(func(context.Context) error { return errors.New("connection refused") })
	resp = getJSON(t, ts, "/api/health")
	expectStatus(t, resp, http.StatusServiceUnavailable)
	body = nil
	decodeJSON(t, resp, &body)
	if body["status"] != "degraded" || body["store"] != "connection refused" {
		t.Errorf("body = %v", body)
	}
}

func TestSubtreeAndToolHolders(t *testing.T) {
	_, ts := newTestHandler(t)
	register(t, ts, registry.Agent{ID: "ctl", Type: registry.TypeController})
	register(t, ts, registry.Agent{ID: "disp", Type: registry.TypeDispatcher, ParentID: "ctl"})
	register(t, ts, registry.Agent{ID: "w2", Type: registry.TypeModular, ParentID: "disp"})
	register(t, ts, registry.Agent{ID: "w1", Type: registry.TypeModular, ParentID: "ctl"})

	resp := getJSON(t, ts, "/api/agents/ctl/subtree")
	expectStatus(t, resp, http.StatusOK)
	var sub struct {
		Subtree []string `json:"subtree"`
		Source  string   `json:"source"`
	}
	decodeJSON(t, resp, &sub)
	if fmt.Sprint(sub.Subtree) != "[disp w1 w2]" || sub.Source != "registry" {
		t.Errorf("subtree = %v from %s", sub.Subtree, sub.Source)
	}

	resp = postJSON(t, ts, "/api/agents/w2/tools", registry.Tool{ID: "t1", Name: "scanner"})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	resp = getJSON(t, ts, "/api/tools/t1/holders")
	expectStatus(t, resp, http.StatusOK)
	var holders struct {
		Holders []string `json:"holders"`
	}
	decodeJSON(t, resp, &holders)
	if fmt.Sprint(holders.Holders) != "[w2]" {
		t.Errorf("holders = %v", holders.Holders)
	}

	resp = getJSON(t, ts, "/api/tools/ghost/holders")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
	resp = getJSON(t, ts, "/api/agents/ctl/subtree?source=graph")
	expectStatus(t, resp, http.StatusServiceUnavailable)
	resp.Body.Close()
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.NotFound("agent", "x"), http.StatusNotFound},
		{apperr.Invalid("bad"), http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", apperr.ErrInvalidHierarchy), http.StatusUnprocessableEntity},
		{apperr.Transition("mission", "m1", "completed", "active"), http.StatusConflict},
		{fmt.Errorf("x: %w", apperr.ErrDuplicateID), http.StatusConflict},
		{fmt.Errorf("x: %w", apperr.ErrHasDependents), http.StatusConflict},
		{pipeline.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestAgentCRUD(t *testing.T) {
	_, ts := newTestHandler(t)

	register(t, ts, registry.Agent{ID: "ctl", Type: registry.TypeController, Status: registry.StatusOnline})
	register(t, ts, registry.Agent{ID: "w1", Type: registry.TypeModular, Status: registry.StatusOnline, ParentID: "ctl"})

	// duplicate id
	resp := postJSON(t, ts, "/api/agents", registry.Agent{ID: "w1", Type: registry.TypeModular})
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	// a Modular agent cannot supervise
	resp = postJSON(t, ts, "/api/agents", registry.Agent{ID: "w2", Type: registry.TypeModular, ParentID: "w1"})
	expectStatus(t, resp, http.StatusUnprocessableEntity)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/agents/w1/lineage")
	expectStatus(t, resp, http.StatusOK)
	var lineage struct {
		Lineage []string `json:"lineage"`
	}
	decodeJSON(t, resp, &lineage)
	if len(lineage.Lineage) != 1 || lineage.Lineage[0] != "ctl" {
		t.Errorf("lineage = %v", lineage.Lineage)
	}

	resp = postJSON(t, ts, "/api/agents/w1/skills", map[string]any{"skills": []string{"scan", "scan", "map"}})
	expectStatus(t, resp, http.StatusOK)
	var a registry.Agent
	decodeJSON(t, resp, &a)
	if len(a.Skills) != 2 {
		t.Errorf("skills = %v", a.Skills)
	}

	tool := registry.Tool{ID: "t1", Name: "scanner", Capabilities: []string{"scan"}}
	for range 2 {
		resp = postJSON(t, ts, "/api/agents/w1/tools", tool)
		expectStatus(t, resp, http.StatusOK)
		decodeJSON(t, resp, &a)
	}
	if len(a.Tools) != 1 {
		t.Errorf("tool attached twice: %v", a.Tools)
	}
	resp = getJSON(t, ts, "/api/tools/t1")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/agents/w1/stats", map[string]any{"add_experience": 150})
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &a)
	if a.Stats.Experience != 150 {
		t.Errorf("experience = %v", a.Stats.Experience)
	}
	resp = postJSON(t, ts, "/api/agents/w1/stats", map[string]any{})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/agents/w1/heartbeat", map[string]any{"status": "offline"})
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &a)
	if a.Status != registry.StatusOffline {
		t.Errorf("status = %s", a.Status)
	}

	resp = getJSON(t, ts, "/api/agents?type=Modular")
	expectStatus(t, resp, http.StatusOK)
	var list []registry.Agent
	decodeJSON(t, resp, &list)
	if len(list) != 1 || list[0].ID != "w1" {
		t.Errorf("filtered list = %v", list)
	}

	// ctl still supervises w1
	resp = deleteReq(t, ts, "/api/agents/ctl")
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = deleteReq(t, ts, "/api/agents/ctl?cascade=true")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/agents/w1")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestMissionFlow(t *testing.T) {
	_, ts := newTestHandler(t)
	register(t, ts, registry.Agent{ID: "on", Type: registry.TypeModular, Status: registry.StatusOnline})
	register(t, ts, registry.Agent{ID: "off", Type: registry.TypeModular, Status: registry.StatusOffline})

	resp := postJSON(t, ts, "/api/missions", mission.Spec{ID: "m1", Title: "sweep sector", Priority: mission.PriorityHigh})
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/missions/m1/start", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/missions/m1/assign", map[string]any{"agent_ids": []string{"on", "off"}})
	expectStatus(t, resp, http.StatusOK)
	var res mission.AssignResult
	decodeJSON(t, resp, &res)
	if len(res.Assigned) != 1 || res.Assigned[0] != "on" {
		t.Errorf("assigned = %v", res.Assigned)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].AgentID != "off" {
		t.Errorf("rejected = %v", res.Rejected)
	}

	resp = postJSON(t, ts, "/api/missions/m1/advance", map[string]any{"delta": 40})
	expectStatus(t, resp, http.StatusOK)
	var progress map[string]float64
	decodeJSON(t, resp, &progress)
	if progress["progress"] != 40 {
		t.Errorf("progress = %v", progress["progress"])
	}

	resp = postJSON(t, ts, "/api/missions/m1/complete", map[string]any{"outcome": "completed"})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/missions/m1/advance", map[string]any{"delta": 10})
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/missions/m1")
	expectStatus(t, resp, http.StatusOK)
	var m mission.Mission
	decodeJSON(t, resp, &m)
	if m.Status != mission.StatusCompleted || m.Progress != 40 {
		t.Errorf("mission = %s at %v", m.Status, m.Progress)
	}

	resp = getJSON(t, ts, "/api/agents/on")
	var a registry.Agent
	decodeJSON(t, resp, &a)
	if a.Stats.Experience != 10 {
		t.Errorf("reward not granted: experience = %v", a.Stats.Experience)
	}
}

func TestSwarmFlow(t *testing.T) {
	_, ts := newTestHandler(t)
	register(t, ts, registry.Agent{ID: "ctl", Type: registry.TypeController, Status: registry.StatusOnline})
	register(t, ts, registry.Agent{ID: "w1", Type: registry.TypeModular, Status: registry.StatusOnline, ParentID: "ctl",
		Stats: registry.Stats{Efficiency: 0.5, Accuracy: 0.5}})

	resp := postJSON(t, ts, "/api/swarms", swarm.FormSpec{ID: "s1", SwarmType: "recon", ControllerID: "ctl", AgentIDs: []string{"w1"}})
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/swarms/s1/aggregate", nil)
	expectStatus(t, resp, http.StatusOK)
	var metrics map[string]float64
	decodeJSON(t, resp, &metrics)
	if len(metrics) == 0 {
		t.Error("expected metrics")
	}

	resp = deleteReq(t, ts, "/api/swarms/s1/members/w1")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = deleteReq(t, ts, "/api/swarms/s1")
	expectStatus(t, resp, http.StatusOK)
	var d swarm.Deployment
	decodeJSON(t, resp, &d)
	if d.Status != swarm.StatusTerminated {
		t.Errorf("status = %s", d.Status)
	}

	resp = postJSON(t, ts, "/api/swarms/s1/aggregate", nil)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestPipelineSubmitIsIdempotent(t *testing.T) {
	h, ts := newTestHandler(t)

	submit := func() *http.Response {
		b, _ := json.Marshal(pipeline.Request{Target: "router-X", Depth: pipeline.DepthBasic})
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/pipelines", bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "k-1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		return resp
	}

	resp := submit()
	expectStatus(t, resp, http.StatusAccepted)
	var first pipeline.Pipeline
	decodeJSON(t, resp, &first)

	resp = submit()
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get("Idempotent-Replayed") != "true" {
		t.Error("replay header missing")
	}
	var second pipeline.Pipeline
	decodeJSON(t, resp, &second)
	if second.ID != first.ID {
		t.Fatalf("replay started a new pipeline: %s != %s", second.ID, first.ID)
	}
	if n := len(h.pipelines.List(pipeline.Filter{})); n != 1 {
		t.Fatalf("expected 1 pipeline, got %d", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := h.pipelines.WaitReconciled(ctx, first.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != pipeline.StatusCompleted || done.AgentID == "" {
		t.Fatalf("pipeline = %s agent %q", done.Status, done.AgentID)
	}

	resp = getJSON(t, ts, "/api/agents/"+done.AgentID)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/pipelines/"+first.ID+"/cancel", nil)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/pipelines/"+first.ID+"/restart", nil)
	expectStatus(t, resp, http.StatusAccepted)
	var restarted pipeline.Pipeline
	decodeJSON(t, resp, &restarted)
	if restarted.RestartOf != first.ID {
		t.Errorf("restart_of = %q", restarted.RestartOf)
	}
	if _, err := h.pipelines.Wait(ctx, restarted.ID); err != nil {
		t.Fatalf("wait restarted: %v", err)
	}
}

func TestPipelineBadRequests(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := postJSON(t, ts, "/api/pipelines", map[string]any{"depth": "basic"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp, err := http.Post(ts.URL+"/api/pipelines", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/pipelines/nope")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/tools/search?q=router")
	expectStatus(t, resp, http.StatusServiceUnavailable)
	resp.Body.Close()
}

func TestEventFeed(t *testing.T) {
	_, ts := newTestHandler(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events/ws?kind=agent"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	register(t, ts, registry.Agent{ID: "ctl", Type: registry.TypeController, Status: registry.StatusOnline})
	resp := postJSON(t, ts, "/api/missions", mission.Spec{Title: "ignored by the feed"})
	resp.Body.Close()
	resp = postJSON(t, ts, "/api/agents/ctl/heartbeat", map[string]any{"status": "online"})
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var got []bus.Event
	for len(got) < 2 {
		var ev bus.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, ev)
	}
	if got[0].Type != "agent.registered" || got[1].Type != "agent.heartbeat" {
		t.Errorf("events = %s, %s", got[0].Type, got[1].Type)
	}
	if got[0].Seq != 1 || got[1].Seq != 2 {
		t.Errorf("per-entity sequence = %d, %d", got[0].Seq, got[1].Seq)
	}
}
