// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package logging builds the zerolog logger used by the CLI.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Thermoquad/otaflash/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup builds a logger from cfg and installs it as the global logger.
// The returned closer flushes and closes the log file, if any.
func Setup(cfg config.Config) (zerolog.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.Logging.Level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	var (
		writer io.Writer
		closer io.Closer = nopCloser{}
	)
	switch strings.ToLower(cfg.Logging.Output) {
	case "stderr", "":
		writer = consoleWriter(cfg, os.Stderr)
	case "stdout":
		writer = consoleWriter(cfg, os.Stdout)
	case "file":
		fw, err := fileWriter(cfg)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		writer, closer = fw, fw
	case "multi":
		fw, err := fileWriter(cfg)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		writer = zerolog.MultiLevelWriter(consoleWriter(cfg, os.Stderr), fw)
		closer = fw
	default:
		return zerolog.Nop(), nil, fmt.Errorf("invalid log output %q", cfg.Logging.Output)
	}

	logger := zerolog.New(writer).With().Timestamp().Logger()
	log.Logger = logger

	logger.Debug().
		Str("level", level.String()).
		Str("format", cfg.Logging.Format).
		Str("output", cfg.Logging.Output).
		Msg("Logger initialized")

	return logger, closer, nil
}

func parseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "info", "":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "disabled", "off":
		return zerolog.Disabled, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown level: %s", level)
	}
}

func consoleWriter(cfg config.Config, out io.Writer) io.Writer {
	if strings.ToLower(cfg.Logging.Format) == "json" {
		return out
	}
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "15:04:05.000",
	}
}

func fileWriter(cfg config.Config) (*lumberjack.Logger, error) {
	if cfg.Logging.FilePath == "" {
		return nil, fmt.Errorf("log output %q needs logging.file_path", cfg.Logging.Output)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Logging.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
		LocalTime:  true,
	}, nil
}
