package sink

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox-streamer/internal/h264"
	"github.com/babelcloud/gbox-streamer/internal/streamer"
)

var (
	testSPS = []byte{0x67, 0x42, 0xc0, 0x1f, 0x96, 0x54, 0x05, 0x01, 0xed, 0x80}
	testPPS = []byte{0x68, 0xce, 0x38, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	testP   = []byte{0x41, 0x9a, 0x24}
)

// rawMuxer writes a readable framing so tests can check ordering.
type rawMuxer struct {
	w io.Writer
}

func (m *rawMuxer) WriteHeader(p Params) error {
	_, err := io.WriteString(m.w, "HDR;")
	return err
}

func (m *rawMuxer) WriteVideo(unit streamer.EncodedUnit) error {
	_, err := io.WriteString(m.w, "V:"+string(h264.StripStartCode(unit.Data)[:1])+";")
	return err
}

func (m *rawMuxer) WriteAudio(unit streamer.EncodedUnit) error {
	_, err := io.WriteString(m.w, "A:"+string(unit.Data)+";")
	return err
}

func (m *rawMuxer) Close() error {
	_, err := io.WriteString(m.w, "END")
	return err
}

var rawFormat = Format{
	Name:        "raw",
	ContentType: "application/octet-stream",
	New: func(w io.Writer, _ *slog.Logger) Muxer {
		return &rawMuxer{w: w}
	},
}

type recordingObserver struct {
	mu      sync.Mutex
	events  []string
	reasons []string
}

func (o *recordingObserver) record(e string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

func (o *recordingObserver) OnConnected()    { o.record("connected") }
func (o *recordingObserver) OnDisconnected() { o.record("disconnected") }
func (o *recordingObserver) OnAuthError()    { o.record("auth-error") }
func (o *recordingObserver) OnAuthSuccess()  { o.record("auth-success") }

func (o *recordingObserver) OnConnectFailed(reason string) {
	o.mu.Lock()
	o.reasons = append(o.reasons, reason)
	o.mu.Unlock()
	o.record("connect-failed")
}

func (o *recordingObserver) has(e string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, got := range o.events {
		if got == e {
			return true
		}
	}
	return false
}

func (o *recordingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func newTestSink(observer *recordingObserver) *Sink {
	s := New(rawFormat, Options{Observer: observer, DialTimeout: 2 * time.Second})
	s.SetVideoResolution(320, 240)
	s.SetAudioParameters(48000, true)
	return s
}

func keyFrame(pts int64) streamer.EncodedUnit {
	return streamer.EncodedUnit{Kind: streamer.KindVideo, Data: h264.JoinAnnexB(testIDR), PTS: pts, IsKeyFrame: true}
}

func interFrame(pts int64) streamer.EncodedUnit {
	return streamer.EncodedUnit{Kind: streamer.KindVideo, Data: h264.JoinAnnexB(testP), PTS: pts}
}

func TestSendRequiresStart(t *testing.T) {
	s := newTestSink(&recordingObserver{})

	assert.ErrorIs(t, s.SendVideo(keyFrame(0)), ErrNotStarted)
	assert.ErrorIs(t, s.SendAudio(streamer.EncodedUnit{Kind: streamer.KindAudio}), ErrNotStarted)

	s.Stop()
	s.Stop()
}

func TestFileDestination(t *testing.T) {
	observer := &recordingObserver{}
	s := newTestSink(observer)
	path := filepath.Join(t.TempDir(), "out.raw")

	s.SetParameterSets(testSPS, testPPS)
	s.Start(path)
	require.Eventually(t, func() bool { return observer.has("connected") }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.SendVideo(interFrame(0)))
	require.Eventually(t, func() bool { return s.Stats().Bytes > 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.SendVideo(keyFrame(33_000)))
	require.NoError(t, s.SendVideo(interFrame(66_000)))
	require.NoError(t, s.SendAudio(streamer.EncodedUnit{Kind: streamer.KindAudio, Data: []byte("aac"), PTS: 21_000}))

	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.VideoUnits == 2 && st.AudioUnits == 1
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.True(t, strings.HasPrefix(out, "HDR;"))
	assert.True(t, strings.HasSuffix(out, "END"))
	assert.Contains(t, out, "A:aac;")
	// The inter frame sent before the first key frame is dropped.
	assert.Equal(t, 1, strings.Count(out, "V:A;"))
	assert.Less(t, strings.Index(out, "V:e;"), strings.Index(out, "V:A;"))
	assert.Equal(t, []string{"connected", "disconnected"}, observer.snapshot())
}

func TestConfigUnitProvidesParameterSets(t *testing.T) {
	s := newTestSink(&recordingObserver{})
	path := filepath.Join(t.TempDir(), "out.raw")
	s.Start(path)
	defer s.Stop()

	require.NoError(t, s.SendVideo(streamer.EncodedUnit{
		Kind: streamer.KindVideo, Data: h264.JoinAnnexB(testSPS, testPPS), IsConfig: true,
	}))
	require.Eventually(t, func() bool {
		sps, _ := s.Pipeline().ParameterSets()
		return sps != nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.SendVideo(keyFrame(0)))
	require.Eventually(t, func() bool { return s.Stats().VideoUnits == 1 }, time.Second, 5*time.Millisecond)
}

func TestUnitsBeforeParameterSetsAreDropped(t *testing.T) {
	s := newTestSink(&recordingObserver{})
	s.Start(filepath.Join(t.TempDir(), "out.raw"))
	defer s.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SendVideo(keyFrame(int64(i))))
	}
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, s.Stats().VideoUnits)
	assert.Zero(t, s.Stats().Bytes)
}

func TestSendCopiesData(t *testing.T) {
	s := newTestSink(&recordingObserver{})
	sub := s.Pipeline().SubscribeAudio("probe", 4)
	s.Start(filepath.Join(t.TempDir(), "out.raw"))
	defer s.Stop()

	buf := []byte("abc")
	require.NoError(t, s.SendAudio(streamer.EncodedUnit{Kind: streamer.KindAudio, Data: buf}))
	copy(buf, "xyz")

	select {
	case unit := <-sub:
		assert.Equal(t, []byte("abc"), unit.Data)
	case <-time.After(time.Second):
		t.Fatal("unit not published")
	}
}

func TestUnsupportedScheme(t *testing.T) {
	observer := &recordingObserver{}
	s := newTestSink(observer)
	s.Start("ftp://example.com/out")

	require.Eventually(t, func() bool { return observer.has("connect-failed") }, time.Second, 5*time.Millisecond)
	s.Stop()

	assert.False(t, observer.has("connected"))
	observer.mu.Lock()
	defer observer.mu.Unlock()
	require.Len(t, observer.reasons, 1)
	assert.Contains(t, observer.reasons[0], "unsupported destination scheme")
}

func TestTCPDestination(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
	}()

	s := newTestSink(&recordingObserver{})
	s.SetParameterSets(testSPS, testPPS)
	s.Start("tcp://" + ln.Addr().String())

	require.NoError(t, s.SendVideo(keyFrame(0)))
	require.Eventually(t, func() bool { return s.Stats().VideoUnits == 1 }, time.Second, 5*time.Millisecond)
	s.Stop()

	select {
	case data := <-received:
		assert.Equal(t, "HDR;V:e;END", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("nothing received")
	}
}

func newWebSocketServer(t *testing.T, messages chan<- []byte) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:secret"))

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != want {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			messages <- data
		}
	}))
}

func TestWebSocketDestination(t *testing.T) {
	messages := make(chan []byte, 16)
	srv := newWebSocketServer(t, messages)
	defer srv.Close()

	observer := &recordingObserver{}
	s := newTestSink(observer)
	s.SetParameterSets(testSPS, testPPS)
	s.Start("ws://alice:secret@" + strings.TrimPrefix(srv.URL, "http://"))
	defer s.Stop()

	require.Eventually(t, func() bool { return observer.has("auth-success") }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"connected", "auth-success"}, observer.snapshot())

	require.NoError(t, s.SendVideo(keyFrame(0)))

	var got bytes.Buffer
	require.Eventually(t, func() bool {
		select {
		case m := <-messages:
			got.Write(m)
		default:
		}
		return got.String() == "HDR;V:e;"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocketAuthError(t *testing.T) {
	srv := newWebSocketServer(t, make(chan []byte, 1))
	defer srv.Close()

	observer := &recordingObserver{}
	s := newTestSink(observer)
	s.Start("ws://alice:wrong@" + strings.TrimPrefix(srv.URL, "http://"))

	require.Eventually(t, func() bool { return observer.has("connect-failed") }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	assert.Equal(t, []string{"auth-error", "connect-failed"}, observer.snapshot())
}

func TestListenServesLateViewers(t *testing.T) {
	lt, err := listen("127.0.0.1:0", "video/x-flv")
	require.NoError(t, err)
	defer lt.Close()

	lt.SetHeader([]byte("HDR;"))
	_, err = lt.Write([]byte("before;"))
	require.NoError(t, err)

	resp, err := http.Get("http://" + lt.Addr().String() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/x-flv", resp.Header.Get("Content-Type"))

	_, err = lt.Write([]byte("after;"))
	require.NoError(t, err)

	r := bufio.NewReader(resp.Body)
	buf := make([]byte, len("HDR;after;"))
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, "HDR;after;", string(buf))
}

func TestListenRejectsOtherMethods(t *testing.T) {
	lt, err := listen("127.0.0.1:0", "video/mp4")
	require.NoError(t, err)
	defer lt.Close()

	resp, err := http.Post("http://"+lt.Addr().String()+"/", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
