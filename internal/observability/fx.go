package observability

import (
	"github.com/beneplus/beneflow/internal/config"
	"github.com/beneplus/beneflow/internal/observability/logger"
	"github.com/beneplus/beneflow/internal/observability/metrics"
	"go.uber.org/fx"
)

// Module wires the logger and metric instruments.
var Module = fx.Module("observability",
	fx.Provide(
		provideLoggerConfig,
		logger.New,
		metrics.New,
	),
)

func provideLoggerConfig(cfg config.Config) logger.Config {
	return logger.Config{
		ServiceName:         cfg.AppName,
		Environment:         cfg.Environment,
		Version:             cfg.AppVersion,
		Level:               cfg.LogLevel,
		Format:              cfg.LogFormat,
		IncludeCaller:       true,
		IncludeStackOnError: cfg.Debug(),
	}
}
