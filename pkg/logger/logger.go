// Package logger provides the agent's structured, level-gated logging
// surface. It keeps the package-level function shape of a small agent
// logger (Debug/Info/Warn/Error/Fatal, WithPrefix, SetLevelFromString) but
// is backed by zap's SugaredLogger and rotates its file output through
// lumberjack, rather than stdlib's log.Logger.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

var (
	currentLevel = InfoLevel
	atom         = zap.NewAtomicLevelAt(currentLevel.zapLevel())
	base         = buildLogger(atom, "")
	sugar        = base.Sugar()
)

func buildLogger(level zap.AtomicLevel, logFile string) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var writer zapcore.WriteSyncer = zapcore.AddSync(os.Stdout)
	if logFile != "" {
		writer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), writer, level)
	return zap.New(core)
}

// ConfigureFile redirects logging output to a rotated file at path, replacing
// the default stdout sink. Intended to be called once during agent init.
func ConfigureFile(path string) {
	base = buildLogger(atom, path)
	sugar = base.Sugar()
}

// SetLevel sets the minimum log level that will be printed.
func SetLevel(level LogLevel) {
	currentLevel = level
	atom.SetLevel(level.zapLevel())
}

// SetLevelFromString sets the log level from a string (debug, info, warn, error).
func SetLevelFromString(level string) {
	switch strings.ToLower(level) {
	case "debug":
		SetLevel(DebugLevel)
	case "info":
		SetLevel(InfoLevel)
	case "warn", "warning":
		SetLevel(WarnLevel)
	case "error":
		SetLevel(ErrorLevel)
	default:
		Warn("unknown log level %s, using info", level)
		SetLevel(InfoLevel)
	}
}

// Debug logs a debug message.
func Debug(format string, v ...interface{}) {
	sugar.Debugf(format, v...)
}

// Info logs an informational message.
func Info(format string, v ...interface{}) {
	sugar.Infof(format, v...)
}

// Warn logs a warning message.
func Warn(format string, v ...interface{}) {
	sugar.Warnf(format, v...)
}

// Error logs an error message.
func Error(format string, v ...interface{}) {
	sugar.Errorf(format, v...)
}

// Fatal logs a fatal error and exits.
func Fatal(format string, v ...interface{}) {
	sugar.Fatalf(format, v...)
}

// Debugf is an alias for Debug.
func Debugf(format string, v ...interface{}) { Debug(format, v...) }

// Infof is an alias for Info.
func Infof(format string, v ...interface{}) { Info(format, v...) }

// Warnf is an alias for Warn.
func Warnf(format string, v ...interface{}) { Warn(format, v...) }

// Errorf is an alias for Error.
func Errorf(format string, v ...interface{}) { Error(format, v...) }

// With returns a sugared logger carrying the given structured key/value
// pairs on every subsequent call, for the deployment_id/state/component
// fields the ambient logging convention calls for.
func With(kv ...interface{}) *zap.SugaredLogger {
	return sugar.With(kv...)
}

// WithPrefix returns a logger that prefixes every message with prefix,
// matching the small agent logger's historical message-prefixing behavior.
func WithPrefix(prefix string) *PrefixLogger {
	return &PrefixLogger{prefix: prefix}
}

// PrefixLogger adds a prefix to all log messages.
type PrefixLogger struct {
	prefix string
}

func (l *PrefixLogger) Debug(format string, v ...interface{}) { Debug(l.prefix+format, v...) }
func (l *PrefixLogger) Info(format string, v ...interface{})  { Info(l.prefix+format, v...) }
func (l *PrefixLogger) Warn(format string, v ...interface{})  { Warn(l.prefix+format, v...) }
func (l *PrefixLogger) Error(format string, v ...interface{}) { Error(l.prefix+format, v...) }
func (l *PrefixLogger) Fatal(format string, v ...interface{}) { Fatal(l.prefix+format, v...) }

// GetLevel returns the current log level as a string.
func GetLevel() string {
	switch currentLevel {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

// Sync flushes any buffered log entries, intended to be deferred from main.
func Sync() error {
	return base.Sync()
}

func init() {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		SetLevelFromString(level)
	}
}
