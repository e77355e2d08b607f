package http

import (
	"net/http"

	"peerlink/internal/core/ports"
	"peerlink/internal/core/services"
	"peerlink/internal/infrastructure/middleware"
	"peerlink/internal/infrastructure/monitoring"
	"peerlink/internal/infrastructure/signal"
	"peerlink/pkg/config"
	"peerlink/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterDeps collects what the HTTP surface serves. Nil optional members
// switch the matching routes off.
type RouterDeps struct {
	Config      *config.Config
	Connections ports.PeerConnectionService
	Logger      *zap.SugaredLogger

	Auth    services.AuthService
	Health  *monitoring.HealthChecker
	Metrics *monitoring.ConnectionMetrics
	Relay   *signal.WebSocketRelay
}

// NewRouter builds the gin engine with the API, health, metrics and signaling routes
func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = logger.NopSugared()
	}

	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(deps.Logger),
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(deps.Config),
		middleware.ErrorHandlerMiddleware(deps.Logger),
	)

	if deps.Health != nil {
		router.GET("/health", healthHandler(deps.Health, deps.Relay))
	}

	if deps.Metrics != nil && deps.Config.Monitoring.PrometheusEnabled {
		router.GET(deps.Config.Monitoring.MetricsPath, gin.WrapH(
			promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}),
		))
	}

	if deps.Relay != nil {
		router.GET(deps.Config.Signal.Path, gin.WrapF(deps.Relay.HandleWebSocket))
	}

	api := router.Group("/api/v1")
	if deps.Auth != nil {
		NewAuthHandler(deps.Auth, deps.Config.Auth.TokenTTL).SetupRoutes(api)
	}

	protected := api.Group("")
	if deps.Auth != nil {
		protected.Use(middleware.AuthMiddleware(deps.Auth))
	}
	NewConnectionHandler(deps.Connections, deps.Config.Compression).SetupRoutes(protected)

	return router
}

func healthHandler(checker *monitoring.HealthChecker, relay *signal.WebSocketRelay) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := checker.CheckAll(c.Request.Context())

		body := gin.H{
			"status":    status.Status,
			"timestamp": status.Timestamp,
			"checks":    status.Checks,
		}
		if relay != nil {
			body["signaling_sessions"] = relay.SessionCount()
		}

		code := http.StatusOK
		if !status.Healthy() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, body)
	}
}
