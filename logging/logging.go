package logging

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	baseLogger = zap.NewNop()
	sugar      = baseLogger.Sugar()
	mu         sync.RWMutex
	isSetup    bool
)

// SetupLogger initializes the process logger. Output goes to stderr and, when
// logFilePath is set, to that file as well.
func SetupLogger(logFilePath string, debug bool) error {
	mu.Lock()
	defer mu.Unlock()

	if isSetup {
		return nil
	}

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.OutputPaths = []string{"stderr"}
	if logFilePath != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, logFilePath)
	}
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		cfg.Sampling = nil
	}

	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	baseLogger = z
	sugar = z.Sugar()
	isSetup = true

	sugar.Infof("--- petprep log started at %s ---", time.Now().Format(time.RFC3339))
	return nil
}

// CloseLogger flushes the logger and resets it to a no-op logger
func CloseLogger() {
	mu.Lock()
	defer mu.Unlock()

	if !isSetup {
		return
	}
	_ = baseLogger.Sync()
	baseLogger = zap.NewNop()
	sugar = baseLogger.Sugar()
	isSetup = false
}

// Logger returns the structured logger for callers that attach fields
func Logger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return baseLogger.WithOptions(zap.AddCallerSkip(-1))
}

// LogInfo logs an information message
func LogInfo(format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	sugar.Infof(format, args...)
}

// DebugLog logs a message at debug level
func DebugLog(format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	sugar.Debugf(format, args...)
}

// LogError logs an error message
func LogError(format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	sugar.Errorf(format, args...)
}

// LogWarning logs a warning message
func LogWarning(format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	sugar.Warnf(format, args...)
}

// LogImageProcessed logs when an image has gone through a stage
func LogImageProcessed(path string, success bool, errMsg string) {
	mu.RLock()
	defer mu.RUnlock()

	if success {
		baseLogger.Debug("processed", zap.String("path", path))
	} else {
		baseLogger.Warn("failed", zap.String("path", path), zap.String("error", errMsg))
	}
}
