package quechohelper

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is used by this package. It discards everything by default.
var Logger = zerolog.Nop()

// LogLevelEnv overrides the configured log level.
const LogLevelEnv = "QUECHO_LOG_LEVEL"

type LogOptions struct {
	Level string `toml:"level"`
	// File enables logging to a rotated file instead of stderr.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	JSON       bool   `toml:"json"`
}

// NewLogger builds the logger of a binary and makes it the logger of this
// package. Use it as base for quecho.InitLogging.
func NewLogger(app string, opts LogOptions) (zerolog.Logger, error) {
	levelName := opts.Level
	if env, ok := os.LookupEnv(LogLevelEnv); ok && env != "" {
		levelName = env
	}
	if levelName == "" {
		levelName = "info"
	}

	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}

	var out io.Writer
	switch {
	case opts.File != "":
		out = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    max(opts.MaxSizeMB, 10),
			MaxBackups: max(opts.MaxBackups, 1),
			MaxAge:     max(opts.MaxAgeDays, 7),
		}
	case opts.JSON:
		out = os.Stderr
	default:
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Str("app", app).Logger()
	Logger = logger.With().Str("module", "helper").Logger()

	return logger, nil
}
