package governance

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/clinical-coding/platform/internal/admission"
	"github.com/clinical-coding/platform/internal/shared/auth"
	"github.com/clinical-coding/platform/internal/shared/config"
	"github.com/clinical-coding/platform/internal/shared/errors"
	"github.com/clinical-coding/platform/internal/shared/logging"
	"github.com/clinical-coding/platform/internal/shared/middleware"
	"github.com/clinical-coding/platform/internal/terminology"
)

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// Handler provides the HTTP surface of the pipeline
type Handler struct {
	svc       *Service
	admission *admission.Controller
	terms     terminology.Store

	auth      config.AuthConfig
	rateLimit int
	rateBurst int

	checks map[string]HealthCheck
	logger *logging.Logger
}

// NewHandler creates a new handler
func NewHandler(svc *Service, ctrl *admission.Controller, terms terminology.Store, cfg *config.Config, logger *logging.Logger) *Handler {
	return &Handler{
		svc:       svc,
		admission: ctrl,
		terms:     terms,
		auth:      cfg.Auth,
		rateLimit: cfg.Server.RateLimit,
		rateBurst: cfg.Server.RateBurst,
		checks:    make(map[string]HealthCheck),
		logger:    logger.Named("http"),
	}
}

// AddHealthCheck registers a dependency check reported by /health.
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

// Routes registers the pipeline routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		if h.auth.Enabled {
			r.Use(auth.Middleware(h.auth))
		}

		r.With(h.require(auth.PermExtract), middleware.RateLimiter(h.rateLimit, h.rateBurst)).Post("/extract", h.Extract)

		r.Route("/usage", func(r chi.Router) {
			r.With(h.require(auth.PermUsageRead)).Get("/", h.Usage)
			r.With(h.require(auth.PermUsageRead)).Get("/history", h.History)
			r.With(h.require(auth.PermUsageRead)).Get("/alerts", h.Alerts)

			reset := h.require(auth.PermUsageReset)
			if h.auth.Enabled && h.auth.AdminRole != "" && h.auth.AdminRole != string(auth.RoleAdmin) {
				reset = auth.RequireRoles(h.auth.AdminRole)
			}
			r.With(reset).Post("/reset/{windowID}", h.Reset)
		})

		r.With(h.require(auth.PermTerminologyRead)).Get("/terminology/{code}", h.Concept)
	})

	return r
}

// require gates a route on perm when auth is enabled.
func (h *Handler) require(perm auth.Permission) func(http.Handler) http.Handler {
	if !h.auth.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return auth.RequirePermission(perm)
}

// Extract runs one extraction request
func (h *Handler) Extract(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	resp, err := h.svc.Extract(r.Context(), req)
	if err != nil {
		h.logger.Warn(r.Context(), "extract request failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Usage reports the current windows
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.admission.CurrentUsage(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// History lists past daily windows, newest first
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	days := 0
	if d := r.URL.Query().Get("days"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 1 || n > 366 {
			writeError(w, errors.BadRequest("days must be between 1 and 366"))
			return
		}
		days = n
	}

	windows, err := h.admission.History(r.Context(), days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  windows,
		"total": len(windows),
	})
}

// Alerts lists the quota alerts fired since startup
func (h *Handler) Alerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.admission.Alerts()
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  alerts,
		"total": len(alerts),
	})
}

// Reset zeroes one window. "current" resets today's window.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	windowID := chi.URLParam(r, "windowID")
	if windowID == "current" {
		windowID = ""
	}

	window, err := h.admission.EmergencyReset(r.Context(), windowID)
	if err != nil {
		writeError(w, err)
		return
	}

	fields := []zap.Field{zap.String("window", window.ID)}
	if user := auth.GetUser(r.Context()); user != nil {
		fields = append(fields, zap.String("user", user.ID))
	}
	h.logger.Warn(r.Context(), "usage window reset", fields...)

	writeJSON(w, http.StatusOK, window)
}

// Concept looks up one terminology code
func (h *Handler) Concept(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	entry, ok := h.terms.LookupByCode(code)
	if !ok {
		writeError(w, errors.NotFound("concept", code))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Health reports the status of registered dependencies
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status": overall,
		"checks": checks,
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		if appErr.Retryable {
			w.Header().Set("Retry-After", "30")
		}
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":     appErr.Message,
			"code":      appErr.Code,
			"retryable": appErr.Retryable,
			"details":   appErr.Details,
		})
		return
	}

	if errors.Is(err, context.Canceled) {
		w.WriteHeader(499)
		json.NewEncoder(w).Encode(map[string]string{"error": "request cancelled"})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
