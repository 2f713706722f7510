package sink

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// transport is the byte stream a connection writes its container into.
type transport interface {
	Write(p []byte) (int, error)
	Close() error
}

// headerSetter is implemented by transports that serve late joiners and
// therefore need the container header on its own.
type headerSetter interface {
	SetHeader(header []byte)
}

// AuthError reports that the remote end rejected the credentials.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected: HTTP %d", e.Status)
}

type dialResult struct {
	transport     transport
	authenticated bool
}

// dial opens the transport named by destination:
//
//	/path/out.flv, file:///path/out.flv   local file
//	tcp://host:port                       raw TCP stream
//	ws://host/path, wss://host/path       one binary WebSocket message per write
//	listen://host:port                    HTTP server streaming to every GET
func dial(ctx context.Context, destination, contentType string, timeout time.Duration) (dialResult, error) {
	if destination == "" {
		return dialResult{}, errors.New("empty destination")
	}
	if !strings.Contains(destination, "://") {
		return dialFile(destination)
	}

	u, err := url.Parse(destination)
	if err != nil {
		return dialResult{}, errors.Wrapf(err, "parse destination %q", destination)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch u.Scheme {
	case "file":
		return dialFile(u.Path)
	case "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return dialResult{}, errors.Wrapf(err, "dial %s", u.Host)
		}
		return dialResult{transport: conn}, nil
	case "ws", "wss":
		return dialWebSocket(ctx, u)
	case "listen":
		t, err := listen(u.Host, contentType)
		if err != nil {
			return dialResult{}, err
		}
		return dialResult{transport: t}, nil
	default:
		return dialResult{}, errors.Errorf("unsupported destination scheme %q", u.Scheme)
	}
}

func dialFile(path string) (dialResult, error) {
	f, err := os.Create(path)
	if err != nil {
		return dialResult{}, errors.Wrapf(err, "create %s", path)
	}
	return dialResult{transport: f}, nil
}

func dialWebSocket(ctx context.Context, u *url.URL) (dialResult, error) {
	header := http.Header{}
	authenticated := false
	if u.User != nil {
		password, _ := u.User.Password()
		creds := u.User.Username() + ":" + password
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
		authenticated = true
		stripped := *u
		stripped.User = nil
		u = &stripped
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return dialResult{}, &AuthError{Status: resp.StatusCode}
		}
		return dialResult{}, errors.Wrapf(err, "websocket dial %s", u.Redacted())
	}
	return dialResult{transport: &wsTransport{conn: conn}, authenticated: authenticated}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Write(p []byte) (int, error) {
	if err := t.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *wsTransport) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}
