// Package logging builds the zerolog logger handed to every component.
//
// There is no package-level logger: cli constructs one with New and passes it
// down through constructors.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	// Level is trace, debug, info, warn or error. Default info.
	Level string
	// Format is console or json. Default console.
	Format string
	// Dir, when set, receives a daily JSON log file (YYYYMMDD.log) in
	// addition to the primary output.
	Dir string
	// Output defaults to os.Stderr.
	Output io.Writer
}

// New returns the configured logger and a closer for the log file, if any.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	zerolog.TimeFieldFormat = time.RFC3339

	var primary io.Writer = out
	if !strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
		primary = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	closer := io.Closer(nopCloser{})
	writer := primary
	if dir := strings.TrimSpace(cfg.Dir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("create log directory %s: %w", dir, err)
		}
		name := time.Now().Format("20060102") + ".log"
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		closer = f
		writer = zerolog.MultiLevelWriter(primary, f)
	}

	logger := zerolog.New(writer).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	return logger, closer, nil
}

// ParseLevel maps a level name to zerolog, falling back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
