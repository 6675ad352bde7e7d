package logger

import (
	"agent-provisioner/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Module = fx.Module("zap",
	fx.Provide(
		New,
	),
)

// New builds the process logger and installs it as the zap global so that
// packages can log through zap.L().
func New(cfg *config.Config) (*zap.Logger, error) {
	log, err := build(cfg.AppEnv)
	if err != nil {
		return nil, err
	}

	log = log.With(
		zap.String("env", cfg.AppEnv),
		zap.String("service_name", cfg.AppName),
		zap.String("version", cfg.AppVersion),
	)

	zap.ReplaceGlobals(log)

	return log, nil
}

func build(env string) (*zap.Logger, error) {
	if env != "production" {
		return zap.NewDevelopment()
	}

	c := zap.NewProductionConfig()
	c.EncoderConfig.TimeKey = "timestamp"
	c.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	c.EncoderConfig.StacktraceKey = "stacktrace"
	c.EncoderConfig.LevelKey = "severity"
	c.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	c.EncoderConfig.CallerKey = "caller"
	c.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	c.Encoding = "json"
	c.OutputPaths = []string{"stdout"}
	c.ErrorOutputPaths = []string{"stderr"}

	return c.Build()
}

// FxLogger routes fx lifecycle events through zap outside production and
// silences them in production.
var FxLogger = fx.WithLogger(func(cfg *config.Config, log *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: log.Named("fx")}
})
