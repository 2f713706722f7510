package sink

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox-streamer/internal/pipeline"
	"github.com/babelcloud/gbox-streamer/internal/util"
)

// listenTransport serves the container stream over HTTP. Every GET receives
// the cached header followed by everything written after it joined.
type listenTransport struct {
	server      *http.Server
	listener    net.Listener
	broadcaster *pipeline.Broadcaster
	contentType string
}

func listen(addr, contentType string) (*listenTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	t := &listenTransport{
		listener:    ln,
		broadcaster: pipeline.NewBroadcaster(),
		contentType: contentType,
	}
	t.server = &http.Server{Handler: http.HandlerFunc(t.serveStream)}
	go func() {
		if err := t.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			util.GetLogger().Error("Stream server stopped", "error", err)
		}
	}()
	util.GetLogger().Info("Serving stream", "addr", ln.Addr().String())
	return t, nil
}

// Addr returns the address the server listens on.
func (t *listenTransport) Addr() net.Addr {
	return t.listener.Addr()
}

func (t *listenTransport) serveStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	ch := t.broadcaster.Subscribe(id, 256)
	defer t.broadcaster.Unsubscribe(id)

	w.Header().Set("Content-Type", t.contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := util.GetLogger().With("viewer", id[:8], "remote", r.RemoteAddr)
	logger.Info("Viewer connected")
	defer logger.Info("Viewer disconnected")

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(data); err != nil {
				logger.Debug("Viewer write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func (t *listenTransport) Write(p []byte) (int, error) {
	return t.broadcaster.Write(p)
}

func (t *listenTransport) SetHeader(header []byte) {
	t.broadcaster.SetHeader(header)
}

func (t *listenTransport) Close() error {
	t.broadcaster.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return t.server.Shutdown(ctx)
}
