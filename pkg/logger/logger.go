package logger

import (
	"io"
	stdlog "log"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	FormatLogfmt = "logfmt"
	FormatJSON   = "json"
)

// LogLevelFromString determines log level to string, defaults to all,
func LogLevelFromString(l string) level.Option {
	switch l {
	case "debug":
		return level.AllowDebug()
	case "info":
		return level.AllowInfo()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowAll()
	}
}

// New returns a synchronized logger writing to w in the given format,
// prefixed with a UTC timestamp and the caller.
// Unknown formats fall back to logfmt.
func New(w io.Writer, format string) log.Logger {
	var l log.Logger
	switch format {
	case FormatJSON:
		l = log.NewJSONLogger(log.NewSyncWriter(w))
	default:
		l = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}
	l = log.WithPrefix(l, "ts", log.DefaultTimestampUTC)
	l = log.WithPrefix(l, "caller", log.DefaultCaller)
	return l
}

// Filter restricts l to the given level and routes the standard library
// logger through it.
func Filter(l log.Logger, lvl string) log.Logger {
	l = level.NewFilter(l, LogLevelFromString(lvl))
	stdlog.SetOutput(log.NewStdlibAdapter(l))
	return l
}
