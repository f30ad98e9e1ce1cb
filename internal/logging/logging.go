// Package logging builds the structured loggers shared by the API server,
// the hub and the sync client.
package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// New returns a logger writing to w. format is one of "json", "logfmt" or
// "text"; anything else falls back to text.
func New(w io.Writer, prefix, level, format string) (*log.Logger, error) {
	if w == nil {
		w = io.Discard
	}
	parsed := log.InfoLevel
	if strings.TrimSpace(level) != "" {
		lvl, err := log.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse logging level %q: %w", level, err)
		}
		parsed = lvl
	}
	return log.NewWithOptions(w, log.Options{
		Level:           parsed,
		Prefix:          prefix,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter(format),
	}), nil
}

// Discard is a logger for tests and callers that do not care.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}

func formatter(format string) log.Formatter {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return log.JSONFormatter
	case "logfmt":
		return log.LogfmtFormatter
	default:
		return log.TextFormatter
	}
}
