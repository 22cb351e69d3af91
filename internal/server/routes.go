package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/delivery"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/processor"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

// Signals ingests job lifecycle signals.
type Signals interface {
	ProcessStatusUpdate(ctx context.Context, jobID string, s processor.StatusSignal) bool
	ProcessResultUpdate(ctx context.Context, jobID string, s processor.ResultSignal) bool
	ProcessStageTransition(ctx context.Context, jobID string, s processor.StageSignal) bool
	ProcessError(ctx context.Context, jobID string, s processor.ErrorSignal) bool
	ProcessCompletion(ctx context.Context, jobID string, s processor.CompletionSignal) bool
}

type Grants interface {
	GrantJobAccess(userID, jobID string) bool
}

type DeadLetters interface {
	DeadLetters(limit int) []delivery.DeadLetter
	Replay(ctx context.Context, id string) bool
}

// Health is the aggregated component view served on /health.
type Health struct {
	Status     string          `json:"status"`
	Components map[string]bool `json:"components"`
	Time       time.Time       `json:"time"`
}

// Deps are the handlers' collaborators. Nil members disable their routes.
type Deps struct {
	WS          http.Handler
	Signals     Signals
	Grants      Grants
	DeadLetters DeadLetters
	Health      func(ctx context.Context) map[string]bool
	Stats       func() any
}

func newRouter(cfg Config, deps Deps, log logx.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if deps.WS != nil {
		r.Handle("/ws/notifications", deps.WS)
	}
	r.Get("/health", healthHandler(deps.Health))
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		if deps.Stats == nil {
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}
		writeJSON(w, http.StatusOK, deps.Stats())
	})

	if strings.TrimSpace(cfg.InternalToken) == "" {
		return r
	}
	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(requestLog(log))
		r.Use(bearerAuth(cfg.InternalToken))
		if cfg.IngestRate > 0 {
			r.Use(rateLimit(rate.NewLimiter(rate.Limit(cfg.IngestRate), cfg.IngestBurst)))
		}
		r.Use(middleware.RequestSize(cfg.MaxBodyBytes))

		if deps.Signals != nil {
			s := deps.Signals
			r.Post("/analyses/{id}/status", ingest(s.ProcessStatusUpdate))
			r.Post("/analyses/{id}/result", ingest(s.ProcessResultUpdate))
			r.Post("/analyses/{id}/stage", ingest(s.ProcessStageTransition))
			r.Post("/analyses/{id}/error", ingest(s.ProcessError))
			r.Post("/analyses/{id}/completion", ingest(s.ProcessCompletion))
		}
		if deps.Grants != nil {
			r.Post("/users/{user}/analyses/{id}/grant", func(w http.ResponseWriter, r *http.Request) {
				if !deps.Grants.GrantJobAccess(chi.URLParam(r, "user"), chi.URLParam(r, "id")) {
					writeError(w, http.StatusBadRequest, "grant rejected")
					return
				}
				w.WriteHeader(http.StatusNoContent)
			})
		}
		if deps.DeadLetters != nil {
			r.Get("/dead-letters", func(w http.ResponseWriter, r *http.Request) {
				limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
				if limit <= 0 || limit > 1000 {
					limit = 100
				}
				writeJSON(w, http.StatusOK, deps.DeadLetters.DeadLetters(limit))
			})
			r.Post("/dead-letters/{id}/replay", func(w http.ResponseWriter, r *http.Request) {
				ok := deps.DeadLetters.Replay(r.Context(), chi.URLParam(r, "id"))
				if !ok {
					writeJSON(w, http.StatusConflict, map[string]bool{"replayed": false})
					return
				}
				writeJSON(w, http.StatusOK, map[string]bool{"replayed": true})
			})
		}
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

// ingest decodes a signal body and hands it to fn. The response reports
// whether the notification reached the broker.
func ingest[S any](fn func(context.Context, string, S) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sig S
		if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				writeError(w, http.StatusRequestEntityTooLarge, "body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
		published := fn(r.Context(), chi.URLParam(r, "id"), sig)
		writeJSON(w, http.StatusAccepted, map[string]bool{"published": published})
	}
}

func healthHandler(check func(context.Context) map[string]bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := Health{Status: "ok", Components: map[string]bool{}, Time: time.Now().UTC()}
		if check != nil {
			h.Components = check(r.Context())
		}
		code := http.StatusOK
		for _, ok := range h.Components {
			if !ok {
				h.Status = "degraded"
				code = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, code, h)
	}
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte(strings.TrimSpace(token))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, got, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("internal request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
