package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/city-services/internal/clinic"
	httpmiddleware "github.com/wolfman30/city-services/internal/http/middleware"
	"github.com/wolfman30/city-services/internal/queue"
	"github.com/wolfman30/city-services/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	QueueHandler       *queue.Handler
	ClinicHandler      *clinic.Handler
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	// PublicLimiter throttles unauthenticated traffic per client IP (optional).
	PublicLimiter *httpmiddleware.RateLimiter

	// StaffJWTSecret signs staff tokens. Empty rejects every staff request.
	StaffJWTSecret string

	// Ready reports dependency health for /ready (optional).
	Ready func(ctx context.Context) error
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", health)
	r.Get("/ready", ready(cfg.Ready))
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	// Patient-facing endpoints
	r.Group(func(public chi.Router) {
		if cfg.PublicLimiter != nil {
			public.Use(httpmiddleware.RateLimit(cfg.PublicLimiter))
		}
		if cfg.QueueHandler != nil {
			cfg.QueueHandler.RegisterPublic(public)
		}
		if cfg.ClinicHandler != nil {
			cfg.ClinicHandler.RegisterPublic(public)
		}
	})

	// Staff endpoints
	r.Group(func(staff chi.Router) {
		staff.Use(httpmiddleware.StaffJWT(cfg.StaffJWTSecret))
		if cfg.QueueHandler != nil {
			cfg.QueueHandler.RegisterStaff(staff)
		}
		if cfg.ClinicHandler != nil {
			cfg.ClinicHandler.RegisterStaff(staff)
		}
	})

	return r
}

func health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func ready(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	}
}
