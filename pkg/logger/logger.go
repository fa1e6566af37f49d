// KFRelay - WeCom customer-service to gateway relay
// Component-tagged logging backed by zerolog

package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log = newLogger(os.Stderr, zerolog.InfoLevel)
)

func newLogger(w *os.File, level zerolog.Level) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Init configures the global log level. Recognized levels: debug, info,
// warn, error. Anything else keeps the default (info).
func Init(level string) {
	lvl := zerolog.InfoLevel
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = zerolog.DebugLevel
	case "info":
		lvl = zerolog.InfoLevel
	case "warn", "warning":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	}
	mu.Lock()
	log = newLogger(os.Stderr, lvl)
	mu.Unlock()
}

func emit(ev *zerolog.Event, component, msg string, fields map[string]any) {
	ev = ev.Str("component", component)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func current() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return &log
}

// DebugC logs a debug message for a component.
func DebugC(component, msg string) {
	emit(current().Debug(), component, msg, nil)
}

// DebugCF logs a debug message for a component with structured fields.
func DebugCF(component, msg string, fields map[string]any) {
	emit(current().Debug(), component, msg, fields)
}

// InfoC logs an info message for a component.
func InfoC(component, msg string) {
	emit(current().Info(), component, msg, nil)
}

// InfoCF logs an info message for a component with structured fields.
func InfoCF(component, msg string, fields map[string]any) {
	emit(current().Info(), component, msg, fields)
}

// WarnC logs a warning for a component.
func WarnC(component, msg string) {
	emit(current().Warn(), component, msg, nil)
}

// WarnCF logs a warning for a component with structured fields.
func WarnCF(component, msg string, fields map[string]any) {
	emit(current().Warn(), component, msg, fields)
}

// ErrorC logs an error for a component.
func ErrorC(component, msg string) {
	emit(current().Error(), component, msg, nil)
}

// ErrorCF logs an error for a component with structured fields.
func ErrorCF(component, msg string, fields map[string]any) {
	emit(current().Error(), component, msg, fields)
}
