package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nidhogg/nuka-swarm/internal/swarm"
)

func (h *Handler) listSwarms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.swarms.List(swarm.Status(r.URL.Query().Get("status"))))
}

func (h *Handler) formSwarm(w http.ResponseWriter, r *http.Request) {
	var spec swarm.FormSpec
	if !decode(w, r, &spec) {
		return
	}
	id, err := h.swarms.Form(r.Context(), spec)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondSwarm(w, r, http.StatusCreated, id)
}

func (h *Handler) getSwarm(w http.ResponseWriter, r *http.Request) {
	h.respondSwarm(w, r, http.StatusOK, chi.URLParam(r, "id"))
}

func (h *Handler) retireSwarm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.swarms.Retire(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondSwarm(w, r, http.StatusOK, id)
}

type swarmStatusRequest struct {
	Status swarm.Status `json:"status"`
}

func (h *Handler) setSwarmStatus(w http.ResponseWriter, r *http.Request) {
	var req swarmStatusRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.swarms.SetStatus(r.Context(), id, req.Status); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondSwarm(w, r, http.StatusOK, id)
}

type memberRequest struct {
	AgentID string `json:"agent_id"`
}

func (h *Handler) addSwarmMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.swarms.AddMember(r.Context(), id, req.AgentID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondSwarm(w, r, http.StatusOK, id)
}

func (h *Handler) removeSwarmMember(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.swarms.RemoveMember(r.Context(), id, chi.URLParam(r, "agentID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondSwarm(w, r, http.StatusOK, id)
}

func (h *Handler) aggregateSwarm(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.swarms.Aggregate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (h *Handler) respondSwarm(w http.ResponseWriter, r *http.Request, status int, id string) {
	d, err := h.swarms.Get(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, status, d)
}
