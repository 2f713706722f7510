package util

import (
	"bytes"
	"log"
	"log/slog"
)

// SetupGlobalLogger routes the standard log package, which net/http uses for
// server errors, into the slog logger.
func SetupGlobalLogger() {
	log.SetFlags(0)
	log.SetOutput(&logWriter{logger: GetLogger()})
}

type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	w.logger.Warn(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}
