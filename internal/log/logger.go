package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns the service logger writing to stdout.
func New(environment string) zerolog.Logger {
	return NewWriter(environment, os.Stdout)
}

// NewWriter is New with an explicit destination; storectl logs to stderr so
// stdout stays parseable.
func NewWriter(environment string, out io.Writer) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    environment == "production",
	}

	logger := zerolog.New(output).With().
		Timestamp().
		Str("env", environment).
		Logger()

	if environment != "production" {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	return logger
}
