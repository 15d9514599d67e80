// Package logging provides structured logging for the bdus module,
// backed by zerolog.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level  LogLevel
	Output io.Writer
	// Format selects the wire encoding: "json" (for log shipping) or
	// "text" (zerolog's ConsoleWriter, for interactive use such as
	// cmd/bdusd run from a terminal). Any value other than "json",
	// including the empty string, selects text; DefaultConfig uses text.
	Format string
	// NoColor disables ANSI color codes in the text format.
	NoColor bool
	// Sync, under the text format, limits each line to the timestamp,
	// level and message parts. It does not change when output is
	// written: in either setting each event reaches Output before the
	// log call returns.
	Sync bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
		Format: "text",
	}
}

// Logger wraps a zerolog.Logger with the level-named methods the rest
// of the module calls.
type Logger struct {
	zl    zerolog.Logger
	level LogLevel
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// NewLogger creates a new logger from config. A nil config uses
// DefaultConfig.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	if config.Format != "json" {
		cw := zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05", NoColor: config.NoColor}
		if config.Sync {
			cw.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
		}
		output = cw
	}
	zl := zerolog.New(output).With().Timestamp().Logger().Level(config.Level.zerolog())
	return &Logger{zl: zl, level: config.Level}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// With returns a child Logger that always carries the given key/value
// pairs, mirroring zerolog's sub-logger pattern. Used to attach a
// device id or queue tag to every log line for the lifetime of a
// device or worker goroutine.
func (l *Logger) With(args ...any) *Logger {
	ctx := l.zl.With()
	ctx = applyFields(ctx, args)
	return &Logger{zl: ctx.Logger(), level: l.level}
}

// WithDevice returns a child Logger tagging every subsequent line with
// the device id, matching control.Coordinator's per-device log scope.
func (l *Logger) WithDevice(devID uint64) *Logger {
	return &Logger{zl: l.zl.With().Uint64("device_id", devID).Logger(), level: l.level}
}

// WithQueue returns a child Logger tagging every subsequent line with
// the queue/worker index that handles a device's request slots.
func (l *Logger) WithQueue(queueID int) *Logger {
	return &Logger{zl: l.zl.With().Int("queue_id", queueID).Logger(), level: l.level}
}

// WithRequest returns a child Logger tagging every subsequent line
// with a slot tag and the derived request-type name (§4.2).
func (l *Logger) WithRequest(tag int, op string) *Logger {
	return &Logger{zl: l.zl.With().Int("tag", tag).Str("op", op).Logger(), level: l.level}
}

// WithError returns a child Logger that attaches err to every
// subsequent line under zerolog's conventional "error" field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zl: l.zl.With().Err(err).Logger(), level: l.level}
}

func applyFields(ctx zerolog.Context, args []any) zerolog.Context {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		ctx = ctx.Interface(key, args[i+1])
	}
	return ctx
}

func (l *Logger) event(level LogLevel, msg string, args []any) {
	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = l.zl.Debug()
	case LevelWarn:
		ev = l.zl.Warn()
	case LevelError:
		ev = l.zl.Error()
	default:
		ev = l.zl.Info()
	}
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, args[i+1])
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, args ...any) { l.event(LevelDebug, msg, args) }
func (l *Logger) Info(msg string, args ...any)  { l.event(LevelInfo, msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { l.event(LevelWarn, msg, args) }
func (l *Logger) Error(msg string, args ...any) { l.event(LevelError, msg, args) }

// Printf-style variants, kept for call sites ported from the teacher
// that format their own message rather than passing structured fields.
func (l *Logger) Debugf(format string, args ...any) { l.zl.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.zl.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.zl.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.zl.Error().Msgf(format, args...) }

// Global convenience functions operating on the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
