package tool

import (
	"io"
	"strings"

	"github.com/charmbracelet/log"
)

var DefaultLogger = log.Default()

func InitLogger() {
	DefaultLogger.SetTimeFormat("2006-01-02 15:04:05")
	DefaultLogger.SetReportCaller(true)
}

// SetLogMode maps the --log flag onto a level: "dev" (or empty) logs debug,
// "prod" logs info and above, "none" silences everything but fatal errors.
func SetLogMode(mode string) {
	switch strings.ToLower(mode) {
	case "", "dev":
		DefaultLogger.SetLevel(log.DebugLevel)
	case "prod":
		DefaultLogger.SetLevel(log.InfoLevel)
	case "none":
		DefaultLogger.SetLevel(log.FatalLevel)
	default:
		DefaultLogger.Warnf("unknown log mode %q, using info", mode)
		DefaultLogger.SetLevel(log.InfoLevel)
	}
}

// NewComponentLogger returns a child of DefaultLogger tagged with prefix.
func NewComponentLogger(prefix string) *log.Logger {
	return DefaultLogger.WithPrefix(prefix)
}

// NewDiscardLogger is for tests and CLI subcommands that must keep stdout clean.
func NewDiscardLogger() *log.Logger {
	return log.New(io.Discard)
}
