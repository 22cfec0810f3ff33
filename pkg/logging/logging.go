// Package logging builds the logrus.Logger the rest of the module wires
// in via core.SetLogger: the process-wide setup a real binary needs
// (level parsing, destination, format).
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Options configures New.
type Options struct {
	Level  string // DEBUG/INFO/WARN/ERROR
	Output io.Writer
	JSON   bool
}

// New builds a *logrus.Logger from opts, defaulting unset fields to
// INFO/stderr/text.
func New(opts Options) *logrus.Logger {
	l := logrus.New()
	if opts.Output != nil {
		l.SetOutput(opts.Output)
	} else {
		l.SetOutput(os.Stderr)
	}
	if opts.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	l.SetLevel(parseLevel(opts.Level))
	return l
}

func parseLevel(s string) logrus.Level {
	switch s {
	case "DEBUG", "debug":
		return logrus.DebugLevel
	case "WARN", "warn", "WARNING", "warning":
		return logrus.WarnLevel
	case "ERROR", "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
