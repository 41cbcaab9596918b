// Package logging is the process-wide structured logging sink, a zerolog
// wrapper in the same shape as the rest of this codebase's ambient packages.
// Per-subtask loggers are always derived with the With* helpers into an
// immutable field on the owning type; hot-path code should never read the
// package global directly.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured once by Init at process
// startup.
var Logger zerolog.Logger

// Level represents log level.
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
	case InfoLevel:
		level = zerolog.InfoLevel
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

// WithComponent creates a child logger tagged with a component field.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithSubtask creates a child logger tagged with the owning subtask's id.
func WithSubtask(subtaskID string) zerolog.Logger {
	return Logger.With().Str("subtask_id", subtaskID).Logger()
}

// WithStep tags a logger with the step number a log entry pertains to.
func WithStep(l zerolog.Logger, step uint64) zerolog.Logger {
	return l.With().Uint64("step", step).Logger()
}

// WithMail tags a logger with the mail name a log entry pertains to.
func WithMail(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("mail", name).Logger()
}

// WithCheckpoint tags a logger with a checkpoint id.
func WithCheckpoint(l zerolog.Logger, id uint64) zerolog.Logger {
	return l.With().Uint64("checkpoint_id", id).Logger()
}

// Helper functions for common logging patterns against the global sink.
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
