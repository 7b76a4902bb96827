package util

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogOptions configures process-wide logging. The zero value means
// info-level JSON on stdout.
type LogOptions struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string
	// LogFormat is json or text.
	LogFormat string
}

// SetupSlog builds the process logger and installs it as slog default.
func SetupSlog(options LogOptions) (*slog.Logger, error) {
	var hopts slog.HandlerOptions
	hopts.Level = slog.LevelInfo

	if options.LogLevel == "" {
		options.LogLevel = os.Getenv("REPRICER_LOG_LEVEL")
	}
	switch strings.ToLower(options.LogLevel) {
	case "", "info":
		hopts.Level = slog.LevelInfo
	case "debug":
		hopts.Level = slog.LevelDebug
	case "warn":
		hopts.Level = slog.LevelWarn
	case "error":
		hopts.Level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %#v", options.LogLevel)
	}

	if options.LogFormat == "" {
		options.LogFormat = os.Getenv("REPRICER_LOG_FMT")
	}
	var handler slog.Handler
	var out io.Writer = os.Stdout
	switch strings.ToLower(options.LogFormat) {
	case "", "json":
		handler = slog.NewJSONHandler(out, &hopts)
	case "text":
		handler = slog.NewTextHandler(out, &hopts)
	default:
		return nil, fmt.Errorf("invalid log format: %#v", options.LogFormat)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
