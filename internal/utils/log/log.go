package log

import (
	"os"
	"path/filepath"
	"runtime"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvVarLevel overrides the minimum level, e.g. CHAINMIRROR_LOG_LEVEL=debug.
const EnvVarLevel = "CHAINMIRROR_LOG_LEVEL"

// New returns the JSON logger used by deployed services.
func New() *zap.Logger {
	return build(zap.NewProductionConfig(), zap.FatalLevel)
}

// NewDevelopment returns a colored console logger for local runs and the admin tool.
func NewDevelopment() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return build(cfg, zap.ErrorLevel)
}

func build(cfg zap.Config, stacktrace zapcore.Level) *zap.Logger {
	if v, ok := os.LookupEnv(EnvVarLevel); ok {
		if level, err := zap.ParseAtomicLevel(v); err == nil {
			cfg.Level = level
		}
	}

	logger, err := cfg.Build(zap.AddStacktrace(stacktrace))
	if err != nil {
		panic(err)
	}
	return logger
}

// WithPackage tags the logger with the caller's package directory.
func WithPackage(logger *zap.Logger) *zap.Logger {
	_, file, _, ok := runtime.Caller(1)
	if !ok {
		return logger
	}
	return logger.With(zap.String("package", filepath.Base(filepath.Dir(file))))
}

// WithBlockRange tags the logger with an inclusive block range.
func WithBlockRange(logger *zap.Logger, from uint64, to uint64) *zap.Logger {
	return logger.With(zap.Uint64("from_block", from), zap.Uint64("to_block", to))
}
