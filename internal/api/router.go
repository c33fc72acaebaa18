package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/timing-engine/pkg/ratelimit"
)

// NewRouter wires the HTTP routes. Rate limiting guards the API group;
// health stays open for probes.
func NewRouter(h *Handler, limiter *ratelimit.MultiLimiter) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(h.requestLogger)

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rateLimit(limiter))

		r.Route("/scheduling", func(r chi.Router) {
			r.Post("/recommendations", h.Recommendations)
			r.Post("/calendar", h.Calendar)
			r.Post("/optimize", h.Optimize)
			r.Post("/feedback", h.Feedback)
		})

		r.Route("/assignments", func(r chi.Router) {
			r.Get("/", h.ListAssignments)
			r.Get("/{id}", h.GetAssignment)
			r.Post("/{id}/confirm", h.ConfirmAssignment)
			r.Post("/{id}/posted", h.PostAssignment)
			r.Post("/{id}/failed", h.FailAssignment)
			r.Post("/{id}/cancel", h.CancelAssignment)
			r.Post("/{id}/retry", h.RetryAssignment)
		})

		r.Get("/schedules/{publicID}", h.GetSchedule)

		r.Route("/priors", func(r chi.Router) {
			r.Get("/", h.PriorsIndex)
			r.Get("/{platform}", h.PlatformPriors)
		})

		r.Route("/preferences", func(r chi.Router) {
			r.Get("/{userID}", h.GetPreferences)
			r.Put("/{userID}", h.PutPreferences)
		})
	})

	return r
}

// rateLimit rejects requests once the shared limiter runs dry.
func rateLimit(limiter *ratelimit.MultiLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(ratelimit.LimiterAPI) {
				respondError(w, http.StatusTooManyRequests, errCodeTooManyRequests, "rate limit exceeded, slow down", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// requestLogger emits one structured line per request.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		h.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("Request handled")
	})
}
