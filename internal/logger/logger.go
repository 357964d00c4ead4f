// Package logger builds the relay's logr.Logger on top of zap.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelStrings = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"warn":  zap.WarnLevel,
	"error": zap.ErrorLevel,
}

// ParseLevel converts a level name to a zap level.
func ParseLevel(value string) (zapcore.Level, error) {
	if level, ok := levelStrings[strings.ToLower(strings.TrimSpace(value))]; ok {
		return level, nil
	}
	return zap.InfoLevel, fmt.Errorf("invalid log level %q", value)
}

// Logger is a logr.Logger whose level can be changed after construction.
type Logger struct {
	logr.Logger
	atomicLevel zap.AtomicLevel
	flush       func()
}

// New returns a console logger writing to stderr at the given level.
func New(name string, level string) (*Logger, error) {
	return NewWithWriter(name, level, os.Stderr)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(name string, level string, w io.Writer) (*Logger, error) {
	zapLevel, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	// Human-readable console output
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	atomicLevel := zap.NewAtomicLevelAt(zapLevel)
	core := zapcore.NewCore(consoleEncoder, zapcore.Lock(zapcore.AddSync(w)), atomicLevel)
	zapLogger := zap.New(core)

	return &Logger{
		Logger:      zapr.NewLogger(zapLogger).WithName(name),
		atomicLevel: atomicLevel,
		flush: func() {
			_ = zapLogger.Sync() // Best effort
		},
	}, nil
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

// Flush writes any buffered entries.
func (l *Logger) Flush() {
	l.flush()
}
