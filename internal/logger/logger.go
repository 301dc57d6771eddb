// Package logger builds the process-wide zerolog logger from config.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options mirrors config.LoggingConfig without importing it.
type Options struct {
	Level  string
	Format string // text|json
	Output string // stdout|stderr|<file path>
}

// New returns a logger and a closer for the output (no-op for std streams).
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	switch strings.ToLower(opts.Output) {
	case "", "stdout":
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log output: %w", err)
		}
		out, closer = f, f
	}

	if strings.ToLower(opts.Format) != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime, NoColor: opts.Output != "" && opts.Output != "stdout" && opts.Output != "stderr"}
	}

	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), closer, nil
}

// ParseLevel accepts DEBUG, INFO, WARN, ERROR in any case. Empty means INFO.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "INFO":
		return zerolog.InfoLevel, nil
	case "DEBUG":
		return zerolog.DebugLevel, nil
	case "WARN", "WARNING":
		return zerolog.WarnLevel, nil
	case "ERROR":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
