// Package logging builds the go-kit loggers shared by every component.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// New returns a leveled logger writing logfmt (or JSON when format is "json")
// to w. Unknown level names fall back to info.
func New(w io.Writer, levelName, format string) log.Logger {
	if w == nil {
		w = os.Stderr
	}
	sw := log.NewSyncWriter(w)

	var logger log.Logger
	if strings.EqualFold(format, "json") {
		logger = log.NewJSONLogger(sw)
	} else {
		logger = log.NewLogfmtLogger(sw)
	}
	logger = level.NewFilter(logger, levelOption(levelName))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

// Nop discards everything. Used by tests and optional collaborators.
func Nop() log.Logger {
	return log.NewNopLogger()
}

// Component tags every line from logger with the component name.
func Component(logger log.Logger, name string) log.Logger {
	if logger == nil {
		logger = Nop()
	}
	return log.With(logger, "component", name)
}

func levelOption(name string) level.Option {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return level.AllowDebug()
	case "warn", "warning":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

// MaskPhone masks a phone number for logging (e.g. 62******89).
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}

	// Keep first 2 and last 2 characters, mask the rest
	prefix := phone[:2]
	suffix := phone[len(phone)-2:]
	masked := strings.Repeat("*", len(phone)-4)
	return prefix + masked + suffix
}
