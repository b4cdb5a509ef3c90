// Package api provides the JSON HTTP surface for the key pool.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/poolgate/poolgate/internal/domain/pool"
)

// Handler serves the pool API endpoints.
type Handler struct {
	pool    *pool.AdmissionController
	metrics *Metrics
	logger  *slog.Logger
}

// NewHandler creates an API handler over the admission controller.
// A nil metrics disables instrumentation.
func NewHandler(p *pool.AdmissionController, metrics *Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		pool:    p,
		metrics: metrics,
		logger:  logger,
	}
}

// Routes registers all API routes on a new mux and returns it wrapped with
// the request-id middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /key/available", h.handleAvailable)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("GET /limits", h.handleLimits)
	mux.HandleFunc("POST /keys", h.handleRegister)
	mux.HandleFunc("DELETE /keys/{id}", h.handleDelete)
	mux.HandleFunc("POST /keys/{id}/reserve", h.handleReserve)
	mux.HandleFunc("GET /health", h.handleHealth)

	return requestIDMiddleware(h.logger, h.instrument(mux))
}

// availableResponse is the body of GET /key/available.
type availableResponse struct {
	Status string         `json:"status"`
	Keys   []pool.KeyView `json:"keys"`
}

// handleAvailable reports pool availability without consuming a permit.
// Status is "ok" when at least one key is usable right now, "wait" with an
// empty key list otherwise.
func (h *Handler) handleAvailable(w http.ResponseWriter, r *http.Request) {
	views, err := h.pool.AvailableSnapshot(r.Context())
	if err != nil {
		h.respondStorageError(w, err)
		return
	}

	usable := false
	for _, v := range views {
		if v.NextRequestInMs == 0 {
			usable = true
			break
		}
	}

	resp := availableResponse{Status: "wait", Keys: []pool.KeyView{}}
	if usable {
		resp.Status = "ok"
		resp.Keys = views
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.pool.Status(r.Context())
	if err != nil {
		h.respondStorageError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, statuses)
}

func (h *Handler) handleLimits(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, h.pool.PlanLimits())
}

// registerRequest accepts the credential id under either key name.
type registerRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	ID             string `json:"id"`
	Plan           string `json:"plan"`
}

func (req *registerRequest) keyID() string {
	if id := strings.TrimSpace(req.SubscriptionID); id != "" {
		return id
	}
	return strings.TrimSpace(req.ID)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id := req.keyID()
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "subscriptionId is required")
		return
	}

	err := h.pool.RegisterKey(r.Context(), id, pool.Plan(strings.TrimSpace(req.Plan)))
	if err != nil {
		if errors.Is(err, pool.ErrInvalidPlan) {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.respondStorageError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.KeysRegistered.Inc()
	}
	h.respondText(w, http.StatusCreated, fmt.Sprintf("Key %s registered", id))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(h.pathParam(r, "id"))
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "key id is required")
		return
	}

	if err := h.pool.DeleteKey(r.Context(), id); err != nil {
		h.respondStorageError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.KeysDeleted.Inc()
	}
	h.respondText(w, http.StatusOK, fmt.Sprintf("Key %s deleted", id))
}

// reserveResponse is the body of POST /keys/{id}/reserve.
type reserveResponse struct {
	Granted      bool  `json:"granted"`
	RetryAfterMs int64 `json:"retryAfterMs,omitempty"`
}

// handleReserve consumes one permit from the key's current window.
// A denied reservation answers 429 with the wait until the window resets.
func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(h.pathParam(r, "id"))
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "key id is required")
		return
	}

	res, err := h.pool.Reserve(r.Context(), id)
	if err != nil {
		if errors.Is(err, pool.ErrKeyNotFound) {
			h.respondError(w, http.StatusNotFound, "key not found")
			return
		}
		if errors.Is(err, pool.ErrInvalidPlan) {
			h.respondError(w, http.StatusConflict, err.Error())
			return
		}
		h.respondStorageError(w, err)
		return
	}

	if res.Granted {
		if h.metrics != nil {
			h.metrics.ReservationsGranted.Inc()
		}
		h.respondJSON(w, http.StatusOK, reserveResponse{Granted: true})
		return
	}

	if h.metrics != nil {
		h.metrics.ReservationsDenied.Inc()
	}
	h.respondJSON(w, http.StatusTooManyRequests, reserveResponse{
		Granted:      false,
		RetryAfterMs: res.RetryAfter.Milliseconds(),
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument counts requests per route pattern.
func (h *Handler) instrument(next http.Handler) http.Handler {
	if h.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		h.metrics.HTTPRequests.WithLabelValues(r.Method, pattern).Inc()
	})
}

// --- JSON helper methods ---

// respondJSON writes a JSON response with the given status code and data.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes a JSON error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// respondText writes a plain-text response. The register/delete contract
// answers with a sentence, not JSON.
func (h *Handler) respondText(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(message)); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

// respondStorageError logs a backing-store failure and answers 500 without
// leaking internals.
func (h *Handler) respondStorageError(w http.ResponseWriter, err error) {
	h.logger.Error("storage failure", "error", err)
	if h.metrics != nil {
		h.metrics.StorageErrors.Inc()
	}
	h.respondError(w, http.StatusInternalServerError, "storage failure")
}

// readJSON decodes the request body into the given value.
func (h *Handler) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// pathParam extracts a named path parameter from the request URL.
// Uses Go 1.22+ PathValue.
func (h *Handler) pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}
