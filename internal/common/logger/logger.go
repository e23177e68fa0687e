// Package logger wraps zap with the fields and defaults the supervisor's
// components expect: a component tag, optional request/session/process ids,
// and environment-driven level and format selection.
package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls how the root logger is constructed.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // "stdout", "stderr", or a file path
}

// Logger wraps a zap logger and sugared logger for structured and
// printf-style logging respectively.
type Logger struct {
	zap   *zap.Logger
	sugar *zap.SugaredLogger
}

var (
	defaultOnce   sync.Once
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// NewLogger builds a Logger from the given configuration.
func NewLogger(cfg Config) (*Logger, error) {
	level := parseLevel(cfg.Level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "console") {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	writer, err := openSink(cfg.OutputPath)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder, writer, level)
	zl := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	return &Logger{zap: zl, sugar: zl.Sugar()}, nil
}

func openSink(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		return zapcore.AddSync(f), nil
	}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// DetectFormat chooses console output for an interactive terminal and JSON
// otherwise, mirroring how the supervisor is typically deployed (JSON for
// collection, console when run by hand).
func DetectFormat() string {
	if os.Getenv("SUPERVISOR_ENV") == "production" {
		return "json"
	}
	if fi, err := os.Stdout.Stat(); err == nil && (fi.Mode()&os.ModeCharDevice) != 0 {
		return "console"
	}
	return "json"
}

// DetectLevel maps the DEBUG environment variable called out by the
// supervisor's external interface onto a zap level.
func DetectLevel() string {
	if v := os.Getenv("DEBUG"); v != "" && v != "0" && !strings.EqualFold(v, "false") {
		return "debug"
	}
	return "info"
}

// Default returns the process-wide logger, building a sane default on first
// use if none has been set explicitly.
func Default() *Logger {
	defaultOnce.Do(func() {
		l, err := NewLogger(Config{Level: DetectLevel(), Format: DetectFormat(), OutputPath: "stdout"})
		if err != nil {
			l = &Logger{zap: zap.NewNop(), sugar: zap.NewNop().Sugar()}
		}
		defaultMu.Lock()
		defaultLogger = l
		defaultMu.Unlock()
	})
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide logger, used by main() once the
// configured logger is built.
func SetDefault(l *Logger) {
	defaultOnce.Do(func() {})
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// WithFields returns a child logger with the given structured fields
// attached to every subsequent entry.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...), sugar: l.zap.With(fields...).Sugar()}
}

// WithError attaches an error field, or returns the receiver unchanged if
// err is nil.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields(zap.Error(err))
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, fields...) }

// Zap exposes the underlying structured logger for call sites that need it.
func (l *Logger) Zap() *zap.Logger { return l.zap }

// Sugar exposes the underlying sugared logger for printf-style call sites.
func (l *Logger) Sugar() *zap.SugaredLogger { return l.sugar }

// Sync flushes any buffered log entries; call before process exit.
func (l *Logger) Sync() error { return l.zap.Sync() }
