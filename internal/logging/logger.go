// Package logging provides module-scoped slog loggers.
//
// Records go to stderr in text or JSON format and, when the systemd journal
// is reachable, to the journal as well. Loggers obtained before Initialize
// pick up the configured level and format once Initialize runs.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/journal"
)

// Config represents logging configuration.
type Config struct {
	Level  string
	Format string
	// Output defaults to os.Stderr.
	Output io.Writer
}

var (
	mutex      sync.Mutex
	levelVar   = &slog.LevelVar{}
	handler    slog.Handler
	moduleLogs = make(map[string]*swapHandler)
)

// Initialize sets up the logging system. It may be called more than once.
func Initialize(cfg Config) {
	mutex.Lock()
	defer mutex.Unlock()

	if lvl, ok := parseLevel(cfg.Level); ok {
		levelVar.Set(lvl)
	} else {
		levelVar.Set(slog.LevelInfo)
	}

	handler = createHandler(cfg)
	for _, sh := range moduleLogs {
		sh.set(handler)
	}
	slog.SetDefault(slog.New(handler))
}

// GetLogger returns a logger for the specified module, creating it if needed.
func GetLogger(module string) *slog.Logger {
	mutex.Lock()
	defer mutex.Unlock()

	sh, ok := moduleLogs[module]
	if !ok {
		base := handler
		if base == nil {
			base = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})
		}
		sh = &swapHandler{}
		sh.set(base)
		moduleLogs[module] = sh
	}
	return slog.New(sh).With("module", module)
}

func createHandler(cfg Config) slog.Handler {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: levelVar}

	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}

	if cfg.Output == nil && journal.Enabled() {
		return &multiHandler{handlers: []slog.Handler{h, newJournalHandler(levelVar)}}
	}
	return h
}

// parseLevel converts string level to slog.Level.
func parseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
