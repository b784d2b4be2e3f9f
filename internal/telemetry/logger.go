// Package telemetry provides the structured logger shared across the
// split-buffer engine.
package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is the logging verbosity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the log sink's rendering.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config configures a Logger.
type Config struct {
	Level  Level
	Format Format
	Output io.Writer
}

// Logger wraps a zerolog.Logger with the fixed set of levels this engine
// uses and convenience constructors for per-endpoint and per-dispatch
// child loggers.
type Logger struct {
	z zerolog.Logger
}

// New builds a Logger from cfg, defaulting to info/text/stdout.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	var out io.Writer = cfg.Output
	if cfg.Format == FormatText || cfg.Format == "" {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: time.RFC3339, NoColor: false}
	}

	z := zerolog.New(out).With().Timestamp().Logger().Level(levelOf(cfg.Level))
	return &Logger{z: z}
}

// Nop returns a Logger that discards everything, useful as a default in
// components that accept an optional *Logger.
func Nop() *Logger {
	return &Logger{z: zerolog.Nop()}
}

func levelOf(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithEndpoint returns a child logger tagged with the endpoint address,
// used by internal/endpoint for every request it issues.
func (l *Logger) WithEndpoint(addr string) *Logger {
	return &Logger{z: l.z.With().Str("endpoint", addr).Logger()}
}

// WithDispatch returns a child logger tagged with a dispatch sequence
// number, used by internal/dispatch to correlate log lines within a call.
func (l *Logger) WithDispatch(seq uint64) *Logger {
	return &Logger{z: l.z.With().Uint64("dispatch", seq).Logger()}
}

func (l *Logger) Debug(msg string, fields ...interface{}) { l.log(l.z.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.log(l.z.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.log(l.z.Warn(), msg, fields) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.log(l.z.Error(), msg, fields) }

func (l *Logger) log(event *zerolog.Event, msg string, fields []interface{}) {
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		event = event.Interface(key, fields[i+1])
	}
	event.Msg(msg)
}
