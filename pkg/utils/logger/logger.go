// Package logger is a process-wide zap logger whose helpers take a context
// and stamp trace, request, user and execution ids onto every entry. All
// helpers are no-ops until Init succeeds.
package logger

import (
	"context"
	"fmt"
	"os"
	"time"

	"execbox/pkg/utils/contextkey"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global *Logger

type Logger struct {
	zap *zap.Logger
}

// Config selects level, encoding and sinks. OutputPath defaults to stdout.
// When ErrorPath names a file, error-and-above entries are copied there.
type Config struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json or console
	OutputPath string `yaml:"outputPath"`
	ErrorPath  string `yaml:"errorPath"`
}

func Init(cfg Config) error {
	l, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	global = l
	return nil
}

func NewLogger(cfg Config) (*Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	out, err := openSink(cfg.OutputPath)
	if err != nil {
		return nil, err
	}
	encoder := newEncoder(cfg.Format)
	core := zapcore.NewCore(encoder, out, level)

	if cfg.ErrorPath != "" && cfg.ErrorPath != "stderr" {
		errOut, err := openSink(cfg.ErrorPath)
		if err != nil {
			return nil, err
		}
		errLevel := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapcore.ErrorLevel && level.Enabled(l)
		})
		core = zapcore.NewTee(core, zapcore.NewCore(encoder, errOut, errLevel))
	}

	// two frames: package helper, then log
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2), zap.AddStacktrace(zapcore.ErrorLevel))
	return &Logger{zap: z}, nil
}

func newEncoder(format string) zapcore.Encoder {
	ec := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout(time.RFC3339),
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == "json" {
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(ec)
}

func openSink(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return zapcore.AddSync(f), nil
}

func (l *Logger) log(ctx context.Context, level zapcore.Level, msg string, fields []zap.Field) {
	ce := l.zap.Check(level, msg)
	if ce == nil {
		return
	}
	ce.Write(append(contextFields(ctx), fields...)...)
}

func contextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 4)
	for _, k := range []struct {
		key  interface{}
		name string
	}{
		{contextkey.TraceID, "trace_id"},
		{contextkey.RequestID, "request_id"},
		{contextkey.UserID, "user_id"},
		{contextkey.ExecutionID, "execution_id"},
	} {
		if v := ctx.Value(k.key); v != nil {
			fields = append(fields, zap.String(k.name, fmt.Sprint(v)))
		}
	}
	return fields
}

// WithExecutionID tags ctx so later entries carry execution_id.
func WithExecutionID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, contextkey.ExecutionID, id)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	if global != nil {
		global.log(ctx, zapcore.DebugLevel, msg, fields)
	}
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	if global != nil {
		global.log(ctx, zapcore.InfoLevel, msg, fields)
	}
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	if global != nil {
		global.log(ctx, zapcore.WarnLevel, msg, fields)
	}
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	if global != nil {
		global.log(ctx, zapcore.ErrorLevel, msg, fields)
	}
}

// Sync flushes buffered entries; call it once before exit.
func Sync() error {
	if global == nil {
		return nil
	}
	return global.zap.Sync()
}
