package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/mijia-monitor/internal/config"
)

// newLogger builds the process logger from the logging section
func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	return newLoggerTo(os.Stdout, cfg)
}

func newLoggerTo(out io.Writer, cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "text" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
