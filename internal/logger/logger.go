// Package logger is the process-wide logger used by every notevfs package.
//
// The API is printf-style so call sites stay terse; records are emitted through
// a zap core so the output can be switched between human readable text and JSON.
package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the global logger.
type Config struct {
	// Level is one of DEBUG, INFO, WARN, ERROR (case insensitive)
	Level string

	// Format is "text" or "json"
	Format string

	// Output is "stdout", "stderr" or a file path
	Output string
}

var (
	mu      sync.RWMutex
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	sugared = newSugared(zapcore.AddSync(os.Stdout), "text")
)

func newSugared(ws zapcore.WriteSyncer, format string) *zap.SugaredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")

	var enc zapcore.Encoder
	if strings.EqualFold(format, "json") {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encCfg.ConsoleSeparator = " "
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	return zap.New(zapcore.NewCore(enc, ws, level)).Sugar()
}

// Configure replaces the global logger.
func Configure(cfg Config) error {
	var ws zapcore.WriteSyncer
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		ws = zapcore.AddSync(os.Stdout)
	case "stderr":
		ws = zapcore.AddSync(os.Stderr)
	default:
		f, _, err := zap.Open(cfg.Output)
		if err != nil {
			return err
		}
		ws = f
	}

	if cfg.Level != "" {
		SetLevel(cfg.Level)
	}

	mu.Lock()
	sugared = newSugared(ws, cfg.Format)
	mu.Unlock()
	return nil
}

// SetLevel changes the minimum level at runtime. Unknown names are ignored.
func SetLevel(name string) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return
	}
	level.SetLevel(l)
}

// Enabled reports whether records at the given level would be written.
func Enabled(name string) bool {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return false
	}
	return level.Enabled(l)
}

// replaceCore swaps the underlying core. Used by tests to observe output.
func replaceCore(core zapcore.Core) func() {
	mu.Lock()
	prev := sugared
	sugared = zap.New(core).Sugar()
	mu.Unlock()
	return func() {
		mu.Lock()
		sugared = prev
		mu.Unlock()
	}
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugared
}

// Sync flushes buffered records.
func Sync() error {
	return current().Sync()
}

func Debug(format string, v ...any) {
	current().Debugf(format, v...)
}

func Info(format string, v ...any) {
	current().Infof(format, v...)
}

func Warn(format string, v ...any) {
	current().Warnf(format, v...)
}

func Error(format string, v ...any) {
	current().Errorf(format, v...)
}
