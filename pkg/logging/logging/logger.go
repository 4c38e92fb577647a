// Package logging builds the gateway's zap logger and carries request-scoped
// loggers through context.
package logging

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

var (
	defaultLogger     *zap.Logger
	defaultLoggerOnce sync.Once
)

// Options control NewLogger. Zero values give a JSON production logger at
// info level.
type Options struct {
	// Development switches to the colored console encoder.
	Development bool
	// Level is a zap level name ("debug", "warn", ...). Unknown names are ignored.
	Level string
	// Service is added to every entry as "service".
	Service string
}

// OptionsFromEnv reads ENV, LOG_LEVEL and LOG_FORMAT.
func OptionsFromEnv() Options {
	env := strings.ToLower(os.Getenv("ENV"))
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	return Options{
		Development: env == "dev" || env == "development" || format == "console",
		Level:       os.Getenv("LOG_LEVEL"),
		Service:     "llm-edge-gateway",
	}
}

func NewLogger(opts Options) (*zap.Logger, error) {
	var config zap.Config
	if opts.Development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "ts"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		// Stream logs are bursty; keep every entry.
		config.Sampling = nil
	}

	if opts.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(opts.Level)); err == nil {
			config.Level = zap.NewAtomicLevelAt(level)
		}
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	if opts.Service != "" {
		logger = logger.With(zap.String("service", opts.Service))
	}
	return logger, nil
}

// DefaultLogger is the process-wide logger built from the environment.
// It falls back to a no-op logger if the configuration cannot be built.
func DefaultLogger() *zap.Logger {
	defaultLoggerOnce.Do(func() {
		logger, err := NewLogger(OptionsFromEnv())
		if err != nil {
			_, _ = os.Stderr.WriteString("failed to create logger: " + err.Error() + "\n")
			logger = zap.NewNop()
		}
		defaultLogger = logger
	})
	return defaultLogger
}

// WithLogger attaches logger to ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the request logger, or DefaultLogger when none is set.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && logger != nil {
			return logger
		}
	}
	return DefaultLogger()
}

// L is shorthand for FromContext.
func L(ctx context.Context) *zap.Logger {
	return FromContext(ctx)
}

// WithFields adds structured fields to the logger in context.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return WithLogger(ctx, FromContext(ctx).With(fields...))
}
