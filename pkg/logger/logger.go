package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global *zap.Logger
	once   sync.Once
)

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Encoding   string // json or console
	OutputPath string // stdout, stderr, or file path
	Service    string // service name attached to every line
}

// DefaultConfig returns production defaults for the named process.
func DefaultConfig(service string) Config {
	return Config{
		Level:      "info",
		Encoding:   "json",
		OutputPath: "stdout",
		Service:    service,
	}
}

// Init builds the process logger once. Later calls return the first logger;
// the scheduler's tick loops log at a rate that makes re-init mid-flight a
// bug, not a feature.
func Init(cfg Config) (*zap.Logger, error) {
	var err error
	once.Do(func() {
		global, err = build(cfg)
	})
	return global, err
}

// active returns the process logger, falling back to defaults so library
// code can log before (or without) an explicit Init.
func active() *zap.Logger {
	if global == nil {
		l, _ := build(DefaultConfig("tempus"))
		global = l
	}
	return global
}

func build(cfg Config) (*zap.Logger, error) {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var output zapcore.WriteSyncer
	switch cfg.OutputPath {
	case "", "stdout":
		output = zapcore.AddSync(os.Stdout)
	case "stderr":
		output = zapcore.AddSync(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		// File deployments keep stdout too; container log collection reads it.
		output = zapcore.NewMultiWriteSyncer(zapcore.AddSync(file), zapcore.AddSync(os.Stdout))
	}

	core := zapcore.NewCore(encoder, output, parseLevel(cfg.Level))
	// The promote tick fires every second; sampling keeps a misbehaving
	// backend from turning that into a log flood.
	core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 10)

	return zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.Fields(zap.String("service", cfg.Service)),
	), nil
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

// Debug logs at debug level.
func Debug(msg string, fields ...zap.Field) { active().Debug(msg, fields...) }

// Info logs at info level.
func Info(msg string, fields ...zap.Field) { active().Info(msg, fields...) }

// Warn logs at warn level.
func Warn(msg string, fields ...zap.Field) { active().Warn(msg, fields...) }

// Error logs at error level.
func Error(msg string, fields ...zap.Field) { active().Error(msg, fields...) }

// Fatal logs the message and exits the process.
func Fatal(msg string, fields ...zap.Field) { active().Fatal(msg, fields...) }

// Sync flushes buffered entries. Called on shutdown.
func Sync() error {
	if global != nil {
		return global.Sync()
	}
	return nil
}
