package util

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	loggerMu sync.Mutex
	logger   *slog.Logger
)

// InitLogger initializes the global slog logger. Debug records are only
// emitted in verbose mode.
func InitLogger(verbose bool) {
	InitLoggerTo(os.Stdout, verbose)
}

// InitLoggerTo is InitLogger writing to w.
func InitLoggerTo(w io.Writer, verbose bool) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	l := slog.New(slog.NewTextHandler(w, opts))
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
	slog.SetDefault(l)
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	loggerMu.Lock()
	l := logger
	loggerMu.Unlock()
	if l == nil {
		// Fallback initialization with INFO level
		InitLogger(IsVerbose())
		return GetLogger()
	}
	return l
}

// IsVerbose reports whether --verbose was passed or GBOX_STREAMER_VERBOSE
// is set, so logging can be configured before flags are parsed.
func IsVerbose() bool {
	for _, arg := range os.Args {
		if arg == "--verbose" || arg == "-V" {
			return true
		}
	}
	switch os.Getenv("GBOX_STREAMER_VERBOSE") {
	case "1", "true", "yes":
		return true
	}
	return false
}
