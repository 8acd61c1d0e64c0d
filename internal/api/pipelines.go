package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nidhogg/nuka-swarm/internal/pipeline"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

func (h *Handler) listPipelines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, h.pipelines.List(pipeline.Filter{
		Status: pipeline.Status(q.Get("status")),
		Target: q.Get("target"),
	}))
}

// submitPipeline starts a pipeline and answers 202 with its record. A repeated
// Idempotency-Key within the TTL returns the pipeline the first request
// started instead of submitting again.
func (h *Handler) submitPipeline(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if !decode(w, r, &req) {
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		p, err := h.pipelines.Submit(r.Context(), req)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, p)
		return
	}

	h.submitMu.Lock()
	defer h.submitMu.Unlock()
	if id, ok := h.submitted.Get(key); ok {
		p, err := h.pipelines.Get(id.(string))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.logger.Debug("idempotent pipeline replay", zap.String("key", key), zap.String("pipeline", p.ID))
		w.Header().Set("Idempotent-Replayed", "true")
		writeJSON(w, http.StatusOK, p)
		return
	}
	p, err := h.pipelines.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.submitted.Set(key, p.ID, cache.DefaultExpiration)
	writeJSON(w, http.StatusAccepted, p)
}

func (h *Handler) getPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := h.pipelines.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) cancelPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := h.pipelines.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

func (h *Handler) restartPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := h.pipelines.Restart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}
