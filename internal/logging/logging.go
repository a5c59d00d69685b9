// Package logging builds the logrus logger shared by the sorter, the
// analyzer client and the face prefilter.
package logging

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Supported output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// New returns a logger writing to out at the given level ("debug", "info",
// "warn", ...) using the text or json formatter.
func New(out io.Writer, level, format string) (*log.Logger, error) {
	logger := log.New()
	logger.SetOutput(out)

	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", FormatText:
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case FormatJSON:
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	return logger, nil
}

// fieldsHook stamps fixed fields on every entry that does not set them.
type fieldsHook log.Fields

func (h fieldsHook) Levels() []log.Level { return log.AllLevels }

func (h fieldsHook) Fire(entry *log.Entry) error {
	for k, v := range h {
		if _, ok := entry.Data[k]; !ok {
			entry.Data[k] = v
		}
	}
	return nil
}

// AddFields makes logger stamp fields (e.g. a run id) on every entry.
func AddFields(logger *log.Logger, fields log.Fields) {
	logger.AddHook(fieldsHook(fields))
}
