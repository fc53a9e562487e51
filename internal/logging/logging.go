// Package logging builds the zerolog loggers used across crmsync.
package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// New creates a logger writing to w. format is "text" for a console writer
// or "json" for raw JSON lines. An unknown level is an error.
func New(level, format string, w io.Writer) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("log level %q: %w", level, err)
		}
		lvl = parsed
	}

	switch format {
	case "", FormatText:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen, NoColor: true}
	case FormatJSON:
	default:
		return zerolog.Nop(), fmt.Errorf("log format %q: must be text or json", format)
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// Component derives a child logger tagged with a component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// GooseLogger adapts a zerolog logger to goose's logger interface.
type GooseLogger struct {
	logger zerolog.Logger
}

// NewGooseLogger creates an adapter tagged with component=goose.
func NewGooseLogger(logger zerolog.Logger) *GooseLogger {
	return &GooseLogger{logger: Component(logger, "goose")}
}

// Printf logs migration progress at debug level.
func (g *GooseLogger) Printf(format string, v ...interface{}) {
	g.logger.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Fatalf logs at error level. goose calls it on unrecoverable migration
// errors; the error is also returned from goose.Up, so the process is not
// terminated here.
func (g *GooseLogger) Fatalf(format string, v ...interface{}) {
	g.logger.Error().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
