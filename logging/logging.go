// Package logging builds the structured logrus.Logger every other ELSPETH
// package logs through.
package logging

import (
	"bytes"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Level is a logging verbosity, matching logrus's own level names.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// Config configures a logger built by New.
type Config struct {
	Level      Level
	Format     string // "json" or "text"
	Service    string
	TimeFormat string
}

// DefaultConfig logs text at info level, suitable for a local dev run.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Format: "text", TimeFormat: time.RFC3339}
}

// New builds a *logrus.Logger per cfg, routing error-level records to stderr
// and everything else to stdout via OutputSplitter, and returns an Entry
// carrying cfg.Service as a base field so every log line is attributable to
// the process that emitted it.
func New(cfg Config) *logrus.Entry {
	logger := logrus.New()

	switch cfg.Level {
	case LevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LevelError:
		logger.SetLevel(logrus.ErrorLevel)
	case LevelFatal:
		logger.SetLevel(logrus.FatalLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timeFormat})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: timeFormat, FullTimestamp: true})
	}

	logger.SetOutput(&OutputSplitter{})

	entry := logrus.NewEntry(logger)
	if cfg.Service != "" {
		entry = entry.WithField("service", cfg.Service)
	}
	return entry
}

// OutputSplitter routes error-level log lines to stderr and everything else
// to stdout, so a shell piping stdout doesn't bury operational errors.
type OutputSplitter struct{}

func (OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// WithDuration logs fn's wall-clock duration against op at info level (or
// error level, with the cause attached, if fn fails), the shape the
// orchestrator and processor use to time node visits and run phases.
func WithDuration(logger *logrus.Entry, op string, fn func() error) error {
	start := time.Now()
	err := fn()
	entry := logger.WithFields(logrus.Fields{
		"operation":   op,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error(op + " failed")
		return err
	}
	entry.Info(op + " completed")
	return nil
}
