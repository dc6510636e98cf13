package internal

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. The level string is parsed
// leniently; unknown levels fall back to info.
func NewLogger(level string, out io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if out == nil {
		out = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
