// Package logging provides the structured logger shared by every dare-core
// component, generalized from the teacher's pkg/log to also carry consensus
// fields (term, peer, offset) alongside the original component/node fields.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Level mirrors zerolog's levels with the teacher's string-typed Level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func init() {
	// Sensible default so packages that log before Init (e.g. in tests) don't panic.
	Init(Config{Level: InfoLevel, Output: os.Stderr})
}

// WithComponent creates a child logger tagged with the owning component.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID tags the logger with this server's own index.
func WithNodeID(nodeID uint8) zerolog.Logger {
	return Logger.With().Uint8("node_id", nodeID).Logger()
}

// WithPeer tags the logger with a remote peer index, useful on the
// transport/election/replication paths.
func WithPeer(logger zerolog.Logger, peer uint8) zerolog.Logger {
	return logger.With().Uint8("peer", peer).Logger()
}

// WithTerm tags the logger with the current SID term.
func WithTerm(logger zerolog.Logger, term uint64) zerolog.Logger {
	return logger.With().Uint64("term", term).Logger()
}
