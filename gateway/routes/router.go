package routes

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"marketchain/core"
	"marketchain/gateway/middleware"
	"marketchain/native/auction"
)

type Config struct {
	Market        *core.Market
	Scheduler     *auction.Scheduler
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
	NowFunc       func() time.Time
}

// New builds the HTTP surface of the market. Reads are open to anonymous
// callers; every mutation and the /v1/me views require a caller identity.
func New(cfg Config) (http.Handler, error) {
	if cfg.Market == nil {
		return nil, errors.New("routes: market required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NowFunc == nil {
		cfg.NowFunc = time.Now
	}
	auth := cfg.Authenticator
	if auth == nil {
		auth = middleware.NewAuthenticator(middleware.AuthConfig{}, cfg.Logger)
	}
	mr := &marketRoutes{market: cfg.Market, scheduler: cfg.Scheduler, nowFn: cfg.NowFunc}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))
	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Market.VerifyLog(); err != nil {
			cfg.Logger.Error("gateway: event log verification failed", slog.Any("error", err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(public chi.Router) {
			public.Use(auth.Middleware(false))
			if cfg.RateLimiter != nil {
				public.Use(cfg.RateLimiter.Middleware("read"))
			}
			mr.mountPublic(public)
		})
		v1.Group(func(private chi.Router) {
			private.Use(auth.Middleware(true))
			if cfg.RateLimiter != nil {
				private.Use(cfg.RateLimiter.Middleware("write"))
			}
			mr.mountCaller(private)
		})
	})
	return r, nil
}
