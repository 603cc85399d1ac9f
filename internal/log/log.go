// Package log provides the gateway's structured logger, built on zerolog.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured once by Init at process start.
var Logger zerolog.Logger

// Level names accepted in the [gateway] log_level configuration key.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration derived from [gateway].log_level / log_format.
type Config struct {
	Level  Level
	JSON   bool
	Output io.Writer
}

// Init configures the global Logger. Safe to call once at startup; not safe for
// concurrent reconfiguration.
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

	if cfg.JSON {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the owning component name,
// the convention every constructor in this module follows.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithGateway tags a child logger with the local gateway name.
func WithGateway(name string) zerolog.Logger {
	return Logger.With().Str("gateway", name).Logger()
}

// WithSubsystem tags a child logger with an NQN. Never attach key bytes to a
// logger built this way or any other.
func WithSubsystem(nqn string) zerolog.Logger {
	return Logger.With().Str("nqn", nqn).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }
func Fatal(msg string) { Logger.Fatal().Msg(msg) }
