// Package logging builds the slog loggers shared by every service.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel maps debug|info|warn|error to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(level)))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// New returns a JSON logger on stdout tagged with service. When logFile is
// set, JSON goes to the file and a text copy goes to stderr. The returned
// func closes the file.
func New(level, service, logFile string) (*slog.Logger, func() error) {
	lvl := ParseLevel(level)
	if logFile == "" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})).
			With(slog.String("service", service)), func() error { return nil }
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})).
			With(slog.String("service", service))
		logger.Error("failed to open log file, logging to stdout only",
			slog.String("file", logFile),
			slog.String("error", err.Error()),
		)
		return logger, func() error { return nil }
	}
	return NewWithWriters(os.Stderr, file, lvl, service), file.Close
}

// NewWithWriters fans out text to console and JSON to file.
func NewWithWriters(console, file io.Writer, level slog.Level, service string) *slog.Logger {
	consoleHandler := slog.NewTextHandler(console, &slog.HandlerOptions{Level: level})
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(consoleHandler, fileHandler)).With(slog.String("service", service))
}
