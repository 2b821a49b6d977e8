package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"wgkeeper/internal/config"
)

// NewLogger creates a structured zerolog.Logger tagged with the server name
// and the managed interface.
func NewLogger(cfg *config.Config) zerolog.Logger {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg *config.Config) zerolog.Logger {
	if cfg.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(w).With().Timestamp()
	if cfg.ServerName != "" {
		ctx = ctx.Str("service", cfg.ServerName)
	}
	if cfg.InterfaceName != "" {
		ctx = ctx.Str("interface", cfg.InterfaceName)
	}

	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}

// ShortKey trims a base64 public key for log lines.
func ShortKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8] + "..."
}
