package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig holds configuration for the policy authority's HTTP
// server.
type HTTPServerConfig struct {
	ListenAddr  string
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}
