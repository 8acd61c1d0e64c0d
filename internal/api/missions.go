package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nidhogg/nuka-swarm/internal/mission"
)

func (h *Handler) listMissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, h.missions.List(mission.Filter{
		Status:   mission.Status(q.Get("status")),
		Priority: mission.Priority(q.Get("priority")),
		AgentID:  q.Get("agent_id"),
	}))
}

func (h *Handler) createMission(w http.ResponseWriter, r *http.Request) {
	var spec mission.Spec
	if !decode(w, r, &spec) {
		return
	}
	id, err := h.missions.Create(r.Context(), spec)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondMission(w, r, http.StatusCreated, id)
}

func (h *Handler) getMission(w http.ResponseWriter, r *http.Request) {
	h.respondMission(w, r, http.StatusOK, chi.URLParam(r, "id"))
}

func (h *Handler) startMission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.missions.Start(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondMission(w, r, http.StatusOK, id)
}

type assignRequest struct {
	AgentIDs []string `json:"agent_ids"`
}

// assignMission answers 200 with the per-agent outcome even when some ids
// were rejected.
func (h *Handler) assignMission(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.missions.Assign(r.Context(), chi.URLParam(r, "id"), req.AgentIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type unassignRequest struct {
	AgentID string `json:"agent_id"`
}

func (h *Handler) unassignMission(w http.ResponseWriter, r *http.Request) {
	var req unassignRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.missions.Unassign(r.Context(), id, req.AgentID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondMission(w, r, http.StatusOK, id)
}

type advanceRequest struct {
	Delta float64 `json:"delta"`
}

func (h *Handler) advanceMission(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if !decode(w, r, &req) {
		return
	}
	progress, err := h.missions.Advance(r.Context(), chi.URLParam(r, "id"), req.Delta)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"progress": progress})
}

type completeRequest struct {
	Outcome mission.Outcome `json:"outcome"`
}

func (h *Handler) completeMission(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.missions.Complete(r.Context(), id, req.Outcome); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondMission(w, r, http.StatusOK, id)
}

func (h *Handler) cancelMission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.missions.Cancel(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondMission(w, r, http.StatusOK, id)
}

func (h *Handler) respondMission(w http.ResponseWriter, r *http.Request, status int, id string) {
	m, err := h.missions.Get(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, status, m)
}
