package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/coursehub-billing/internal/middleware"
	"github.com/PortNumber53/coursehub-billing/internal/subscription"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	// Allowed lists the legal targets when a transition is rejected.
	Allowed []subscription.Status `json:"allowed,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: msg})
}

// writeError maps the engine's error taxonomy to HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		transition   *subscription.StateTransitionError
		conflict     *subscription.ConflictError
		forbidden    *subscription.ForbiddenError
		expired      *subscription.ExpiredError
		unauthorized *subscription.UnauthenticatedError
		retryable    *subscription.RetryableProviderError
	)

	body := errorBody{Message: err.Error()}
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &transition):
		status, body.Error = http.StatusConflict, "invalid_state_transition"
		body.Allowed = transition.Allowed
	case errors.As(err, &conflict):
		status, body.Error = http.StatusConflict, "conflict"
	case errors.As(err, &forbidden):
		status, body.Error = http.StatusForbidden, "forbidden"
	case errors.As(err, &expired):
		status, body.Error = http.StatusGone, "expired"
	case errors.As(err, &unauthorized):
		status, body.Error = http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, subscription.ErrNotFound):
		status, body.Error = http.StatusNotFound, "not_found"
	case errors.As(err, &retryable):
		status, body.Error = http.StatusBadGateway, "provider_unavailable"
	case errors.Is(err, subscription.ErrNoProvider):
		status, body.Error = http.StatusServiceUnavailable, "provider_not_configured"
	default:
		body.Error, body.Message = "internal", "internal server error"
	}

	evt := log.Warn()
	if status >= http.StatusInternalServerError {
		evt = log.Error()
	}
	evt.Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	writeJSON(w, status, body)
}

// principal returns the authenticated caller, writing a 401 when absent.
func principal(w http.ResponseWriter, r *http.Request) (middleware.Principal, bool) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, r, &subscription.UnauthenticatedError{Message: "no authenticated user"})
		return middleware.Principal{}, false
	}
	return p, true
}

// pathID parses a positive integer route parameter, writing a 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "invalid "+name)
		return 0, false
	}
	return id, true
}

func queryLimit(r *http.Request, fallback, max int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if l, err := strconv.Atoi(raw); err == nil && l > 0 && l <= max {
			return l
		}
	}
	return fallback
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, "invalid JSON payload")
		return false
	}
	return true
}
