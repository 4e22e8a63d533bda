package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/dontdude/codeduel/internal/domain"
	"github.com/dontdude/codeduel/internal/platform/web"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// userHeader carries the caller's user id, asserted by the upstream gateway.
const userHeader = "X-User-ID"

const maxBodyBytes = 256 << 10

// SessionService is the session surface the API needs.
type SessionService interface {
	CreatePrivateSession(ctx context.Context, challengeRef, userID string) (domain.Session, error)
	Get(ctx context.Context, id string) (domain.Session, error)
}

// JobDispatcher publishes execution jobs.
type JobDispatcher interface {
	Dispatch(ctx context.Context, job domain.ExecutionJob) error
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Sessions   SessionService
	Dispatcher JobDispatcher
	// Realtime serves the websocket endpoint.
	Realtime http.Handler
	// RunLimiter throttles the run endpoint. Nil disables throttling.
	RunLimiter *web.RateLimiter
	Checks     map[string]HealthCheck
}

// New builds the HTTP router.
func New(d Deps) http.Handler {
	h := &handler{sessions: d.Sessions, dispatcher: d.Dispatcher, checks: d.Checks}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(web.CORS)

	r.Get("/healthz", h.health)
	if d.Realtime != nil {
		r.Method(http.MethodGet, "/api/ws", d.Realtime)
	}

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.createSession)
		r.Get("/{session_id}", h.getSession)

		r.Group(func(r chi.Router) {
			if d.RunLimiter != nil {
				r.Use(d.RunLimiter.Middleware(rateKey))
			}
			r.Post("/{session_id}/run", h.run)
		})
	})

	return r
}

// rateKey limits per user when the caller is identified, per IP otherwise.
func rateKey(r *http.Request) string {
	if u := strings.TrimSpace(r.Header.Get(userHeader)); u != "" {
		return "user:" + u
	}
	return "ip:" + web.ClientIP(r)
}
