// Package logger builds the slog handler every vestd process logs
// through.
package logger

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// timeLayout pins timestamps to millisecond UTC so lines from the
// server and the reconciler collate cleanly.
const timeLayout = "2006-01-02T15:04:05.000Z"

// New returns a tint-backed logger writing to stdout. Verbose switches
// the level to debug; empty string attributes are dropped.
func New(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch {
			case a.Key == slog.TimeKey:
				a.Value = slog.StringValue(a.Value.Time().UTC().Format(timeLayout))
			case a.Value.Kind() == slog.KindString && a.Value.String() == "":
				return slog.Attr{}
			}
			return a
		},
	}))
}
