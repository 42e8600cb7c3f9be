// Package logging provides the process-wide structured logger used by every
// core module, backed by zap.
package logging

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a structured key/value pair attached to a log line.
type Field = zap.Field

// String, Int, Err, and Duration mirror zap's field constructors so callers
// only need to import this package.
var (
	String   = zap.String
	Int      = zap.Int
	Int64    = zap.Int64
	Float64  = zap.Float64
	Err      = zap.Error
	Duration = zap.Duration
	Bool     = zap.Bool
	Any      = zap.Any
)

// Logger is the interface every module depends on, narrow enough to be
// trivially faked in tests.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	Sync() error
}

type zapLogger struct {
	z *zap.Logger
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, fields...) }
func (l *zapLogger) With(fields ...Field) Logger       { return &zapLogger{z: l.z.With(fields...)} }
func (l *zapLogger) Sync() error                       { return l.z.Sync() }

var (
	current atomic.Value // Logger
	once    sync.Once
)

func init() {
	current.Store(noop())
}

// noop returns a logger that discards everything, used before SetLogger is
// called and in tests that don't care about log output.
func noop() Logger {
	return &zapLogger{z: zap.NewNop()}
}

// NewProduction builds a JSON-encoded logger at the given level, suitable for
// the orchestrator's default runtime configuration.
func NewProduction(level string) (Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{z: z}, nil
}

// NewDevelopment builds a console-encoded, human-friendly logger for local runs.
func NewDevelopment() (Logger, error) {
	z, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return &zapLogger{z: z}, nil
}

func parseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// SetLogger installs the process-wide logger. Safe to call once during
// startup, before any module goroutines begin logging.
func SetLogger(l Logger) {
	if l == nil {
		l = noop()
	}
	current.Store(l)
}

// L returns the process-wide logger.
func L() Logger {
	return current.Load().(Logger)
}
