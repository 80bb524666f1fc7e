package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger tagged with component. APP_ENV=dev selects the
// human-readable console writer; otherwise logs are JSON lines on stdout.
func New(component, level string) zerolog.Logger {
	return NewWithWriter(os.Stdout, component, level)
}

// NewWithWriter is New with an explicit output.
func NewWithWriter(out io.Writer, component, level string) zerolog.Logger {
	if strings.EqualFold(os.Getenv("APP_ENV"), "dev") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Str("component", component).Logger()
}

// Component derives a child logger for a sub-component.
func Component(parent zerolog.Logger, component string) zerolog.Logger {
	return parent.With().Str("component", component).Logger()
}
