// Package observability configures the engine's zerolog output.
package observability

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global logger for the engine. The CLI prints answers
// and ingest summaries on stdout, so logs go to stderr by default; when
// logPath is set they go to that file instead. An unknown level means info.
func Setup(level, logPath string) {
	zerolog.TimeFieldFormat = time.RFC3339
	var w io.Writer = os.Stderr
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "log file %q unavailable, logging to stderr: %v\n", logPath, err)
		} else {
			w = f
		}
	}
	logger := zerolog.New(w).Level(parseLevel(level)).With().
		Timestamp().
		Str("service", "graphrag").
		Logger()
	log.Logger = logger
	zerolog.DefaultContextLogger = &logger
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "warning": // accepted alias
		return zerolog.WarnLevel
	case "":
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
