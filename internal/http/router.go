package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pansacloud/gateway/internal/auth"
	"github.com/pansacloud/gateway/internal/http/handlers"
	"github.com/pansacloud/gateway/internal/metrics"
	"github.com/pansacloud/gateway/internal/middleware"
)

// RouterDeps are the handlers and guards mounted by NewRouter.
type RouterDeps struct {
	Health   *handlers.HealthHandler
	Download *handlers.DownloadHandler
	// Push serves the websocket push channel.
	Push http.Handler
	// JWT guards the push channel; nil leaves it open.
	JWT *auth.JWTService
	// PushLimiter throttles push channel connects per client IP.
	PushLimiter *middleware.RateLimiter
	Logger      log.Logger
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(deps RouterDeps) *chi.Mux {
	metrics.InitMetrics()

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", deps.Health.ServeHTTP)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if deps.Download != nil {
		r.Get("/dl/{token}", deps.Download.HandleResolve)
	}

	if deps.Push != nil {
		r.Group(func(r chi.Router) {
			if deps.PushLimiter != nil {
				r.Use(middleware.RateLimitMiddleware(deps.PushLimiter, middleware.GetIPKey))
			}
			r.Use(middleware.AdminAuth(deps.JWT))
			r.Method(http.MethodGet, "/ws", deps.Push)
		})
	}

	return r
}
