// Package logger carries a structured slog logger through contexts and builds
// per-subsystem loggers whose level can be tuned independently.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Subsystem names a component that gets its own log level.
type Subsystem string

const (
	SubsystemCLI        Subsystem = "cli"
	SubsystemRegistry   Subsystem = "registry"
	SubsystemImages     Subsystem = "images"
	SubsystemStore      Subsystem = "store"
	SubsystemSupervisor Subsystem = "supervisor"
	SubsystemContainers Subsystem = "containers"
	SubsystemCompose    Subsystem = "compose"
)

type contextKey struct{}

// Config controls the default log level and per-subsystem overrides.
type Config struct {
	Level      slog.Level
	Subsystems map[Subsystem]slog.Level
	JSON       bool
	Output     io.Writer
}

// NewConfig reads LOG_LEVEL, LOG_FORMAT and LOG_LEVEL_<SUBSYSTEM> from the environment.
func NewConfig() Config {
	cfg := Config{
		Level:      ParseLevel(os.Getenv("LOG_LEVEL"), slog.LevelWarn),
		Subsystems: make(map[Subsystem]slog.Level),
		JSON:       strings.EqualFold(os.Getenv("LOG_FORMAT"), "json"),
		Output:     os.Stderr,
	}
	for _, s := range []Subsystem{
		SubsystemCLI, SubsystemRegistry, SubsystemImages, SubsystemStore,
		SubsystemSupervisor, SubsystemContainers, SubsystemCompose,
	} {
		key := "LOG_LEVEL_" + strings.ToUpper(string(s))
		if v := os.Getenv(key); v != "" {
			cfg.Subsystems[s] = ParseLevel(v, cfg.Level)
		}
	}
	return cfg
}

// LevelFor returns the effective level for a subsystem.
func (c Config) LevelFor(s Subsystem) slog.Level {
	if lvl, ok := c.Subsystems[s]; ok {
		return lvl
	}
	return c.Level
}

// NewSubsystemLogger builds a logger tagged with the subsystem name.
// If handler is nil a text or JSON handler writing to cfg.Output is used.
func NewSubsystemLogger(s Subsystem, cfg Config, handler slog.Handler) *slog.Logger {
	if handler == nil {
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		opts := &slog.HandlerOptions{Level: cfg.LevelFor(s)}
		if cfg.JSON {
			handler = slog.NewJSONHandler(out, opts)
		} else {
			handler = slog.NewTextHandler(out, opts)
		}
	}
	return slog.New(handler).With("subsystem", string(s))
}

// AddToContext returns a copy of ctx carrying log.
func AddToContext(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, log)
}

// FromContext returns the logger stored in ctx, or slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if log, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && log != nil {
			return log
		}
	}
	return slog.Default()
}

// ParseLevel maps a level name to a slog.Level, or def when unknown.
func ParseLevel(s string, def slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return def
	}
}
