package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds the process logger. Output always passes through a RedactWriter.
// format "console" selects zerolog's human-readable writer; anything else emits JSON.
func New(level, format string) zerolog.Logger {
	return newWithWriter(os.Stderr, level, format)
}

func newWithWriter(out io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	rw := NewRedactWriter(out)
	if format == "console" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = rw
		cw.NoColor = true
		return zerolog.New(cw).Level(lvl).With().Timestamp().Logger()
	}
	return zerolog.New(rw).Level(lvl).With().Timestamp().Logger()
}
