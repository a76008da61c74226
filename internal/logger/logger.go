package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global   *zap.Logger
	globalMu sync.RWMutex
)

// Init initializes the global logger with the given level string.
// It is safe to call more than once; the last call wins.
func Init(levelStr string) {
	newLevel := zap.NewAtomicLevel()

	levelMux.Lock()
	level = &newLevel
	levelMux.Unlock()

	SetLevel(ParseLevel(levelStr))

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.Lock(os.Stderr),
		newLevel,
	)

	globalMu.Lock()
	global = zap.New(core, zap.AddCaller())
	globalMu.Unlock()
}

// L returns the global logger, initializing it lazily at info level.
func L() *zap.Logger {
	globalMu.RLock()
	l := global
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	Init("info")

	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// Debug logs at debug level using the global logger.
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

// Info logs at info level using the global logger.
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Warn logs at warn level using the global logger.
func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Error logs at error level using the global logger.
func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// Fatal logs at fatal level using the global logger and exits.
func Fatal(msg string, fields ...zap.Field) {
	L().Fatal(msg, fields...)
}

// Sync flushes any buffered log entries.
func Sync() {
	globalMu.RLock()
	l := global
	globalMu.RUnlock()
	if l != nil {
		_ = l.Sync()
	}
}
