// Package common holds build metadata and logger setup shared by all
// binaries.
package common

import (
	"log/slog"
	"os"
)

// PackageName identifies this project in metrics and logs.
const PackageName = "tee-admission-node"

// Version is set at build time via -ldflags.
var Version = "dev"

// LoggingOpts configures the process-wide structured logger.
type LoggingOpts struct {
	// Debug enables debug-level messages.
	Debug bool

	// JSON switches the output format from text to JSON.
	JSON bool

	// Service is added as a "service" attribute to all messages.
	Service string

	// Version is added as a "version" attribute to all messages.
	Version string
}

// SetupLogger creates a slog logger writing to stderr according to opts.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With(slog.String("service", opts.Service))
	}
	if opts.Version != "" {
		logger = logger.With(slog.String("version", opts.Version))
	}
	return logger
}
