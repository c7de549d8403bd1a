// Package logging sets up the engine's leveled logger. The teacher
// defines its own small leveled-logger interface
// (pkg/mcast/definition/default_logger.go) with Info/Warn/Error/Debug
// plus a debug toggle; this package keeps that shape but backs it with
// logrus.Entry so every component gets structured fields for free.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Options configures the root logger.
type Options struct {
	Level string // parsed with logrus.ParseLevel; defaults to "info" on error
	JSON  bool
}

// New builds the root *logrus.Entry components derive their own
// WithField loggers from.
func New(opts Options) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	if opts.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logrus.NewEntry(logger)
}
