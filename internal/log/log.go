// Package log wraps zerolog with the small, field-constructor style call
// sites the rest of the tree uses: log.String/log.Int/log.Error build Fields,
// and Logger.With attaches them to every subsequent line.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
)

// ParseLevel accepts "debug", "info", "warn", "error"; anything else falls
// back to InfoLevel.
func ParseLevel(s string) Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return InfoLevel
	}
	return lvl
}

// Field is a deferred key/value pair applied to a zerolog event or context.
type Field struct {
	key   string
	value interface{}
}

func String(key, value string) Field          { return Field{key, value} }
func Int(key string, value int) Field         { return Field{key, value} }
func Int32(key string, value int32) Field     { return Field{key, value} }
func Bool(key string, value bool) Field       { return Field{key, value} }
func Duration(key string, d time.Duration) Field { return Field{key, d} }
func Strings(key string, v []string) Field    { return Field{key, v} }
func Error(key string, err error) Field       { return Field{key, err} }

// Config drives New the way cuemby-warren's pkg/log.Init does: a level, a
// format switch, and a destination writer.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
	Component  string
}

type Logger struct {
	zl zerolog.Logger
}

func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	var w io.Writer = out
	if !cfg.JSONOutput {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen, NoColor: false}
	}
	zl := zerolog.New(w).With().Timestamp().Logger().Level(cfg.Level)
	if cfg.Component != "" {
		zl = zl.With().Str("component", cfg.Component).Logger()
	}
	return &Logger{zl: zl}
}

// Nop returns a logger that discards everything, for tests that don't care.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func (l *Logger) With(fields ...Field) *Logger {
	ctx := l.zl.With()
	for _, f := range fields {
		ctx = applyContext(ctx, f)
	}
	return &Logger{zl: ctx.Logger()}
}

func applyContext(ctx zerolog.Context, f Field) zerolog.Context {
	switch v := f.value.(type) {
	case string:
		return ctx.Str(f.key, v)
	case int:
		return ctx.Int(f.key, v)
	case int32:
		return ctx.Int32(f.key, v)
	case bool:
		return ctx.Bool(f.key, v)
	case time.Duration:
		return ctx.Dur(f.key, v)
	case []string:
		return ctx.Strs(f.key, v)
	case error:
		if v == nil {
			return ctx
		}
		return ctx.AnErr(f.key, v)
	default:
		return ctx.Interface(f.key, v)
	}
}

func applyEvent(e *zerolog.Event, f Field) *zerolog.Event {
	switch v := f.value.(type) {
	case string:
		return e.Str(f.key, v)
	case int:
		return e.Int(f.key, v)
	case int32:
		return e.Int32(f.key, v)
	case bool:
		return e.Bool(f.key, v)
	case time.Duration:
		return e.Dur(f.key, v)
	case []string:
		return e.Strs(f.key, v)
	case error:
		if v == nil {
			return e
		}
		return e.AnErr(f.key, v)
	default:
		return e.Interface(f.key, v)
	}
}

func (l *Logger) Debug(msg string, fields ...Field) { emit(l.zl.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields ...Field)  { emit(l.zl.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields ...Field)  { emit(l.zl.Warn(), msg, fields) }
func (l *Logger) Error(msg string, fields ...Field) { emit(l.zl.Error(), msg, fields) }
func (l *Logger) Fatal(msg string, fields ...Field) { emit(l.zl.Fatal(), msg, fields) }

func emit(e *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		e = applyEvent(e, f)
	}
	e.Msg(msg)
}
