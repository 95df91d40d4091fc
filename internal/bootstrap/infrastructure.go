package bootstrap

import (
	"context"
	"log/slog"
	"os"

	"github.com/eleven-am/camera-backend/internal/monitoring"
	"github.com/eleven-am/camera-backend/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

func ProvideRedisClient(cfg *Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func ProvideMetrics() *monitoring.Metrics {
	return monitoring.New()
}

func ProvideLogger(cfg *Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func StartTelemetry(lc fx.Lifecycle, cfg *Config, log *slog.Logger) {
	var provider *trace.TracerProvider
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var err error
			provider, err = telemetry.InitTracer(ctx, cfg.OTLPEndpoint, cfg.Version)
			if err != nil {
				return err
			}
			if provider != nil {
				log.Info("tracing enabled", "endpoint", cfg.OTLPEndpoint)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if provider == nil {
				return nil
			}
			return provider.Shutdown(ctx)
		},
	})
}

var InfrastructureModule = fx.Options(
	fx.Provide(
		ProvideRedisClient,
		ProvideMetrics,
		ProvideLogger,
	),
	fx.Invoke(StartTelemetry),
)
