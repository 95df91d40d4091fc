package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eleven-am/camera-backend/internal/bridge"
	"github.com/eleven-am/camera-backend/internal/health"
	"github.com/eleven-am/camera-backend/internal/hostlink"
	"github.com/eleven-am/camera-backend/internal/monitoring"
	"github.com/eleven-am/camera-backend/internal/signaling"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

func ProvideRegistry(lc fx.Lifecycle, redisClient *redis.Client, metrics *monitoring.Metrics, logger *slog.Logger) *hostlink.Registry {
	registry := hostlink.NewRegistry(redisClient, metrics, logger)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return registry.Close()
		},
	})
	return registry
}

func ProvideAdapter(cfg *Config, redisClient *redis.Client, logger *slog.Logger) (bridge.Adapter, error) {
	switch cfg.CaptureMode {
	case "local":
		return bridge.NewPionAdapter(bridge.Config{
			ICEServers: cfg.RTCICEServers,
			PortRange:  bridge.PortRange{Min: cfg.RTCPortMin, Max: cfg.RTCPortMax},
		}, bridge.NewUDPSource(cfg.RTPListenIP, logger), logger)
	case "remote":
		return hostlink.NewRelay(redisClient, logger), nil
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.CaptureMode)
	}
}

func ProvideGateway(lc fx.Lifecycle, cfg *Config, adapter bridge.Adapter, registry *hostlink.Registry, metrics *monitoring.Metrics, logger *slog.Logger) *signaling.Gateway {
	var directory signaling.Directory
	if cfg.CaptureMode == "remote" {
		directory = registry
	}

	gateway := signaling.NewGateway(signaling.Config{
		NegotiationTimeout: cfg.NegotiationTimeout,
		DisconnectGrace:    cfg.DisconnectGrace,
		FailedCloseDelay:   cfg.FailedCloseDelay,
		IdleTimeout:        cfg.IdleTimeout,
		PollInterval:       cfg.PollInterval,
		PollMissLimit:      cfg.PollMissLimit,
	}, adapter, directory, metrics, logger)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			gateway.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return gateway.Close()
		},
	})

	return gateway
}

var SignalingModule = fx.Options(
	fx.Provide(
		ProvideRegistry,
		ProvideAdapter,
		ProvideGateway,
	),
)

func ProvideSignalingHandler(gateway *signaling.Gateway, cfg *Config, logger *slog.Logger) *signaling.Handler {
	return signaling.NewHandler(gateway, cfg.RTCICEServers, logger)
}

func ProvideHostHandler(registry *hostlink.Registry, logger *slog.Logger) *hostlink.Handler {
	return hostlink.NewHandler(registry, logger)
}

func ProvideHealthHandler(redisClient *redis.Client, gateway *signaling.Gateway, registry *hostlink.Registry, cfg *Config) *health.Handler {
	return health.NewHandler(redisClient, gateway, registry, cfg.Version)
}

type HandlerParams struct {
	fx.In

	SignalingHandler *signaling.Handler
	HostHandler      *hostlink.Handler
	HealthHandler    *health.Handler
	Metrics          *monitoring.Metrics
}

func metricsMiddleware(h *health.Handler) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h.IncrementRequests()
			h.IncrementConnections()
			defer h.DecrementConnections()
			return next(c)
		}
	}
}

func RegisterRoutes(e *echo.Echo, params HandlerParams) {
	e.Use(metricsMiddleware(params.HealthHandler))

	api := e.Group("/v1")

	params.SignalingHandler.RegisterRoutes(api)
	params.HostHandler.RegisterRoutes(api)

	params.HealthHandler.RegisterRoutes(e)
	e.GET("/metrics", params.Metrics.Handler())
}

var HandlersModule = fx.Options(
	fx.Provide(
		ProvideSignalingHandler,
		ProvideHostHandler,
		ProvideHealthHandler,
	),
	fx.Invoke(RegisterRoutes),
)
