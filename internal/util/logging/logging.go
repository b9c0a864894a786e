// Package logging provides shared logging setup for the stratus-ci binary.
// It configures log/slog as the process-wide default logger and returns a
// logr.Logger (backed by zap) for components that take an explicit logger.
package logging

import (
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// Options configures the logger behavior.
type Options struct {
	// Development enables human-readable text output and debug level.
	Development bool

	// Level sets the minimum log level. Defaults to slog.LevelInfo.
	Level slog.Level
}

// DefaultOptions returns the default logging options.
func DefaultOptions() Options {
	return Options{
		Development: false,
		Level:       slog.LevelInfo,
	}
}

// Setup configures the default slog logger and returns a logr.Logger for
// components threading an explicit logger. Call early in main(), before any
// pipeline stage runs.
func Setup(opts Options) logr.Logger {
	var handler slog.Handler
	if opts.Development {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: opts.Level,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: opts.Level,
		})
	}
	slog.SetDefault(slog.New(handler))

	zl, err := buildZap(opts)
	if err != nil {
		// zap config here is static; a build failure is a programming
		// error, not an operational one.
		panic(err)
	}

	return zapr.NewLogger(zl)
}

// SetupDefault sets up logging with default options.
func SetupDefault() logr.Logger {
	return Setup(DefaultOptions())
}

// SetupDevelopment sets up logging in development mode.
func SetupDevelopment() logr.Logger {
	return Setup(Options{
		Development: true,
		Level:       slog.LevelDebug,
	})
}

func buildZap(opts Options) (*zap.Logger, error) {
	if opts.Development {
		cfg := zap.NewDevelopmentConfig()
		return cfg.Build()
	}

	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
