// Package api exposes the inbound webhook surface: providers post build
// notifications here, which are validated, normalized, and relayed to the
// sink when a run id accompanies them.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/lei/ci-relay/internal/provider"
	"github.com/lei/ci-relay/internal/sink"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// Handlers contains HTTP handler functions
type Handlers struct {
	registry *provider.Registry
	sink     sink.Reporter
}

// NewHandlers creates a new handlers instance
func NewHandlers(registry *provider.Registry, reporter sink.Reporter) *Handlers {
	return &Handlers{registry: registry, sink: reporter}
}

// Health handles health check requests
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ReceiveWebhook handles POST /webhooks/{provider}
func (h *Handlers) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	log := GetLogger(r.Context())
	name := chi.URLParam(r, "provider")

	prov, err := h.registry.Get(name)
	if err != nil {
		if log != nil {
			log.Warn("webhook for unknown provider", "provider", name)
		}
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if !prov.ValidateWebhook(r.Header, payload) {
		if log != nil {
			log.Warn("webhook signature validation failed", "provider", name)
		}
		respondError(w, http.StatusUnauthorized, "webhook validation failed")
		return
	}

	partial, err := prov.ParseWebhookPayload(payload)
	if err != nil {
		if log != nil {
			log.Warn("webhook payload rejected", "provider", name, "error", err)
		}
		respondError(w, http.StatusBadRequest, "invalid webhook payload")
		return
	}

	data := prov.NormalizeBuildData(partial)

	if log != nil {
		log.Info("webhook received",
			"provider", name,
			"build_id", data.BuildID,
			"status", data.Status)
	}

	// Webhooks only reach a run when the caller correlates them explicitly
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		update := sink.RunUpdate{
			Status: data.Status,
			Label:  fmt.Sprintf("Build #%d %s", data.BuildNumber, data.Status),
			Link:   data.BuildURL,
		}
		if !data.Status.Terminal() {
			update.Status = ""
		}
		if err := h.sink.UpdateRun(r.Context(), runID, update); err != nil {
			if log != nil {
				log.Error("failed to relay webhook to sink", "run_id", runID, "error", err)
			}
			respondError(w, http.StatusBadGateway, "failed to report build status")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "accepted",
		"build":  data,
	})
}

func respondError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
