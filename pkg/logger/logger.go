package logger

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ContextKey string

const (
	RequestIDKey ContextKey = "requestID"
	SessionIDKey ContextKey = "sessionID"
	SubjectKey   ContextKey = "subject"
)

func init() {
	RegisterContextKey(RequestIDKey, "request_id")
	RegisterContextKey(SessionIDKey, "session_id")
	RegisterContextKey(SubjectKey, "sub")
}

type LogManager interface {
	Debug(args ...any)
	Info(args ...any)
	Warn(args ...any)
	Error(args ...any)

	DebugF(format string, args ...any)
	InfoF(format string, args ...any)
	WarnF(format string, args ...any)
	ErrorF(format string, args ...any)

	DebugFCtx(ctx context.Context, format string, args ...any)
	InfoFCtx(ctx context.Context, format string, args ...any)
	WarnFCtx(ctx context.Context, format string, args ...any)
	ErrorFCtx(ctx context.Context, format string, args ...any)

	With(keyValues ...any) LogManager

	Sync() error
	SetLogLevel(level string) error
}

// LoggerOptions configures NewLogger.
type LoggerOptions struct {
	Level        string
	Encoding     string // "json" or "console"
	OutputPaths  []string
	ErrorPaths   []string
	EnableCaller bool
	EnableStack  bool
	TimeFormat   string
}

// NewLogger builds a sugared zap logger whose level can be changed at runtime.
func NewLogger(opts LoggerOptions) (LogManager, error) {
	atomicLevel := zap.NewAtomicLevel()
	if err := atomicLevel.UnmarshalText([]byte(opts.Level)); err != nil {
		atomicLevel.SetLevel(zap.InfoLevel)
	}

	if opts.Encoding == "" {
		opts.Encoding = "console"
	}
	if len(opts.OutputPaths) == 0 {
		opts.OutputPaths = []string{"stdout"}
	}
	if len(opts.ErrorPaths) == 0 {
		opts.ErrorPaths = []string{"stderr"}
	}

	timeFormat := opts.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}

	levelEncoder := zapcore.CapitalColorLevelEncoder
	if opts.Encoding == "json" {
		levelEncoder = zapcore.LowercaseLevelEncoder
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:       "time",
		LevelKey:      "level",
		NameKey:       "logger",
		MessageKey:    "msg",
		StacktraceKey: "stacktrace",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   levelEncoder,
		EncodeTime:    zapcore.TimeEncoderOfLayout(timeFormat),
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}
	if opts.EnableCaller {
		encoderCfg.CallerKey = "caller"
	}

	cfg := zap.Config{
		Level:            atomicLevel,
		Development:      opts.Level == "debug",
		Encoding:         opts.Encoding,
		EncoderConfig:    encoderCfg,
		OutputPaths:      opts.OutputPaths,
		ErrorOutputPaths: opts.ErrorPaths,
	}

	stackLevel := zap.ErrorLevel
	if opts.EnableStack {
		stackLevel = zap.WarnLevel
	}

	zapLogger, err := cfg.Build(zap.AddStacktrace(stackLevel), zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return &logger{
		Log:         zapLogger.Sugar(),
		atomicLevel: atomicLevel,
	}, nil
}

// MustNewDefaultLogger returns an info-level console logger or exits.
func MustNewDefaultLogger() LogManager {
	l, err := NewLogger(LoggerOptions{
		Level:        "info",
		Encoding:     "console",
		EnableCaller: true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to init logger:", err)
		os.Exit(1)
	}
	return l
}

// NewNop returns a logger that discards everything. Used by tests and as a
// fallback when a component is built without a logger.
func NewNop() LogManager {
	return &logger{
		Log:         zap.NewNop().Sugar(),
		atomicLevel: zap.NewAtomicLevelAt(zap.FatalLevel),
	}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l LogManager) LogManager {
	if l == nil {
		return NewNop()
	}
	return l
}
