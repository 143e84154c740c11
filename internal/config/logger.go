package config

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ConfigureLogger sets up the global zerolog logger.
//
// Valid levels are "none", "trace", "debug", "info", "warn" and "error".
// With an empty logFile the logger writes human readable lines to stdout;
// otherwise it writes JSON lines to logFile, truncating it, and returns the
// file so the caller can close it on exit.
func ConfigureLogger(level string, logFile string) (*os.File, error) {
	var lvl zerolog.Level
	switch level {
	case "none":
		log.Logger = zerolog.New(io.Discard)
		zerolog.SetGlobalLevel(zerolog.Disabled)
		return nil, nil
	case "trace":
		lvl = zerolog.TraceLevel
	case "debug":
		lvl = zerolog.DebugLevel
	case "info":
		lvl = zerolog.InfoLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	default:
		return nil, fmt.Errorf("unexpected log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)

	if logFile == "" {
		w := zerolog.ConsoleWriter{Out: os.Stdout}
		log.Logger = zerolog.New(w).With().Timestamp().Caller().Logger()
		return nil, nil
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	log.Logger = zerolog.New(f).With().Timestamp().Caller().Logger()
	return f, nil
}
