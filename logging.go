package docgraph

import (
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/log"
)

// LoggingConfig selects the console log level and format.
type LoggingConfig struct {
	// Level is debug, info, warn or error. Empty leaves the process
	// default logger untouched.
	Level  string `json:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"omitempty,oneof=text json logfmt"`

	ReportTimestamp bool `json:"report_timestamp" yaml:"report_timestamp"`
}

// NewLogger returns a slog logger writing to stderr through a
// charmbracelet console handler.
func NewLogger(cfg LoggingConfig) *slog.Logger {
	return newLogger(os.Stderr, cfg)
}

func newLogger(w io.Writer, cfg LoggingConfig) *slog.Logger {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	formatter := log.TextFormatter
	switch cfg.Format {
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	}
	return slog.New(log.NewWithOptions(w, log.Options{
		Level:           level,
		ReportTimestamp: cfg.ReportTimestamp,
		Formatter:       formatter,
	}))
}
