package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dontdude/codeduel/internal/domain"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

type handler struct {
	sessions   SessionService
	dispatcher JobDispatcher
	checks     map[string]HealthCheck
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	result := map[string]string{}
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			slog.Warn("Health check failed", "check", name, "error", err)
			result[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		result[name] = "ok"
	}
	writeJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": result})
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Missing user identity.")
		return
	}

	var req struct {
		ChallengeRef string `json:"challengeRef"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body.")
		return
	}

	s, err := h.sessions.CreatePrivateSession(r.Context(), req.ChallengeRef, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handler) run(w http.ResponseWriter, r *http.Request) {
	s, ok := h.loadSession(w, r)
	if !ok {
		return
	}

	var req struct {
		Code     string `json:"code"`
		Language string `json:"language"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body.")
		return
	}

	job := domain.ExecutionJob{
		SessionID:    s.ID,
		Code:         req.Code,
		Language:     req.Language,
		ChallengeRef: s.ChallengeRef,
	}
	if err := h.dispatcher.Dispatch(r.Context(), job); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"sessionId": s.ID, "status": "queued"})
}

// loadSession resolves the path session for the caller. Sessions the caller is
// not a member of and completed sessions are reported as not found.
func (h *handler) loadSession(w http.ResponseWriter, r *http.Request) (domain.Session, bool) {
	userID := callerID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Missing user identity.")
		return domain.Session{}, false
	}

	s, err := h.sessions.Get(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		h.fail(w, r, err)
		return domain.Session{}, false
	}
	if s.Completed || !s.HasMember(userID) {
		writeError(w, http.StatusNotFound, "not_found", "Session not found.")
		return domain.Session{}, false
	}
	return s, true
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case domain.IsValidation(err):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", domain.UserMessage(err))
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Session not found.")
	default:
		slog.Error("Request failed", "path", r.URL.Path, "requestID", chimw.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "Internal Server Error")
	}
}

func callerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(userHeader))
}
