// Package logging configures the process-wide logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Options controls logger setup.
type Options struct {
	Level string // logrus level name; empty means "info"
	File  string // append log output to this file instead of stderr
}

// Setup applies Options to the global logrus logger. It is called once from
// the CLI before any component starts.
func Setup(opts Options) error {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level := opts.Level
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	logrus.SetLevel(parsed)

	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logrus.SetOutput(f)
	}
	return nil
}

// Discard silences all logging, used by tests.
func Discard() {
	logrus.SetOutput(io.Discard)
}

// Component returns an entry tagged with the component name. Every long-lived
// object holds one of these instead of the global logger.
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
