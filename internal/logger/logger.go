// Package logger builds the dispatcher's zerolog loggers.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/example/notification-dispatcher/internal/config"
)

const timeLayout = "02-01-2006 15:04:05"

// New returns a logger at level writing to writers, or to stdout when none
// are given. On stdout a dev env gets the console format, anything else JSON.
// The level also becomes the zerolog global level.
func New(env, level string, writers ...io.Writer) (*zerolog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = timeLayout
	zerolog.DurationFieldUnit = time.Millisecond

	output := stdout(env)
	if len(writers) > 0 {
		output = io.MultiWriter(writers...)
	}

	logger := zerolog.New(output).With().Timestamp().Logger().Level(lvl)
	return &logger, nil
}

// NewFromConfig is New driven by config. A configured LOG_FILE receives a
// JSON copy of everything written to stdout.
func NewFromConfig(app config.AppConfig, file config.LogConfig) (*zerolog.Logger, error) {
	if file.File == "" {
		return New(app.Env, app.LogLevel)
	}
	return New(app.Env, app.LogLevel, stdout(app.Env), FileWriter(file))
}

// FileWriter rotates cfg.File by size and compresses old segments.
func FileWriter(cfg config.LogConfig) io.Writer {
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
}

func stdout(env string) io.Writer {
	if !isDev(env) {
		return os.Stdout
	}
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeLayout}
	cw.FieldsExclude = []string{zerolog.TimestampFieldName}
	return cw
}

func isDev(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "development":
		return true
	}
	return false
}

func parseLevel(level string) (zerolog.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("logger: level %q: %w", level, err)
	}
	return lvl, nil
}
