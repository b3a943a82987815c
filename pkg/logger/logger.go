// Package logger builds the process-wide zerolog.Logger every component
// derives its own sub-logger from via .With().Str("component", ...).Logger(),
// the same pattern the rest of this codebase (e.g. internal/server.New) uses
// per-component.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration.
type Config struct {
	Level   string // debug, info, warn, error
	Pretty  bool   // Enable pretty console output
	Service string // stamped as the "service" field on every line; defaults to "gridcore"
}

// New creates the base structured logger for the process, stamped with the
// service name and host so multi-instance deployments can be told apart in
// aggregated logs.
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	service := cfg.Service
	if service == "" {
		service = "gridcore"
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", service).
		Str("host", host).
		Logger()
}

// SetGlobalLogger sets the package-level logger used by zerolog's log.* helpers.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
