package common

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func (l Level) zap() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel maps a config string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// Logger is the leveled logger every component receives.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	// With returns a logger tagged with component.
	With(component string) Logger
}

// LogOptions configures NewLogger.
type LogOptions struct {
	Level  string
	Format string // "text" or "json"
	Output string // "stdout", "stderr" or a file path
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// NewLogger builds a zap backed Logger.
func NewLogger(opts LogOptions) (Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var w zapcore.WriteSyncer
	switch opts.Output {
	case "", "stdout":
		w = zapcore.Lock(os.Stdout)
	case "stderr":
		w = zapcore.Lock(os.Stderr)
	default:
		f, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		w = zapcore.AddSync(f)
	}
	return newZapLogger(w, level, strings.EqualFold(opts.Format, "json"), true), nil
}

// NewWriterLogger logs text lines without timestamps to w; handy in tests.
func NewWriterLogger(w io.Writer, level Level) Logger {
	return newZapLogger(zapcore.AddSync(w), level, false, false)
}

func newZapLogger(w zapcore.WriteSyncer, level Level, json, timestamps bool) Logger {
	enc := zapcore.EncoderConfig{
		LevelKey:       "level",
		NameKey:        "component",
		MessageKey:     "msg",
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
	if timestamps {
		enc.TimeKey = "time"
	}

	var encoder zapcore.Encoder
	if json {
		encoder = zapcore.NewJSONEncoder(enc)
	} else {
		enc.ConsoleSeparator = " "
		encoder = zapcore.NewConsoleEncoder(enc)
	}
	core := zapcore.NewCore(encoder, w, zap.NewAtomicLevelAt(level.zap()))
	return &zapLogger{s: zap.New(core).Sugar()}
}

func (l *zapLogger) With(component string) Logger {
	return &zapLogger{s: l.s.Named(component)}
}

func (l *zapLogger) Debugf(format string, args ...any) { l.s.Debugf(format, args...) }
func (l *zapLogger) Infof(format string, args ...any)  { l.s.Infof(format, args...) }
func (l *zapLogger) Warnf(format string, args ...any)  { l.s.Warnf(format, args...) }
func (l *zapLogger) Errorf(format string, args ...any) { l.s.Errorf(format, args...) }

// DefaultLogger is used by components constructed without a logger.
var DefaultLogger Logger = newZapLogger(zapcore.Lock(os.Stdout), LevelInfo, false, true)
