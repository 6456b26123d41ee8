// Package logging builds the process-wide slog.Logger. The teacher
// calls the package-level slog.Error/Info helpers directly against
// whatever the default handler happens to be; here every component is
// handed an explicit *slog.Logger built by New, so tests can pass
// their own and cmd/meshserver controls the process-wide default.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// Format selects the handler New builds.
type Format string

const (
	FormatText Format = "text" // tint's colorized, human-friendly handler
	FormatJSON Format = "json" // slog's stock JSON handler, for log shipping
)

// New builds a logger writing to w. Text format uses tint, the
// terminal handler the teacher's go.mod already declares as a
// dependency but never constructs; json format uses slog's stock
// handler for environments that parse log lines as structured records.
func New(w io.Writer, format Format, level slog.Level) *slog.Logger {
	switch format {
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	default:
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05.000",
		}))
	}
}

// NewDefault builds a text logger to stderr at info level, suitable as
// a fallback before configuration has loaded.
func NewDefault() *slog.Logger {
	return New(os.Stderr, FormatText, slog.LevelInfo)
}
