package config

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger は設定に従って slog.Logger を作成します。
func (c *Config) NewLogger() *slog.Logger {
	return newLogger(os.Stdout, c.LogFormat, c.LogLevel)
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
