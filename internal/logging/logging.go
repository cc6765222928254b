// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/go-faster/errors"
	log "github.com/sirupsen/logrus"
)

// New returns a logger writing to stdout at level in the given format
// ("json" or "text").
func New(level, format string) (*log.Logger, error) {
	return NewWithOutput(level, format, os.Stdout)
}

func NewWithOutput(level, format string, out io.Writer) (*log.Logger, error) {
	lvl, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, errors.Wrapf(err, "log level %q", level)
	}

	logger := log.New()
	logger.SetOutput(out)
	logger.SetLevel(lvl)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		logger.SetFormatter(&log.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	case "text":
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return nil, errors.Errorf("log format %q: want json or text", format)
	}
	return logger, nil
}

// Component tags every entry with the component name.
func Component(logger *log.Logger, name string) *log.Entry {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return logger.WithField("component", name)
}
