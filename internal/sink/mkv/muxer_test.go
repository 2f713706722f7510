package mkv

import (
	"bytes"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox-streamer/internal/h264"
	"github.com/babelcloud/gbox-streamer/internal/sink"
	"github.com/babelcloud/gbox-streamer/internal/streamer"
)

var (
	testSPS = []byte{0x67, 0x42, 0xc0, 0x1f, 0x96, 0x54, 0x05, 0x01, 0xed, 0x80}
	testPPS = []byte{0x68, 0xce, 0x38, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	testAAC = []byte{0x21, 0x00, 0x49, 0x90, 0x02, 0x19, 0x00, 0x23, 0x80}
)

var (
	ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}
	clusterID = []byte{0x1F, 0x43, 0xB6, 0x75}
)

// lockedBuffer is written from the ebml-go writer goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func newTestMuxer(w *lockedBuffer) sink.Muxer {
	return New(w, slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func TestStream(t *testing.T) {
	var buf lockedBuffer
	m := newTestMuxer(&buf)

	require.NoError(t, m.WriteHeader(sink.Params{
		Width: 1280, Height: 720,
		SPS: testSPS, PPS: testPPS,
		SampleRate: 48000, ChannelCount: 2,
	}))
	require.NoError(t, m.WriteVideo(streamer.EncodedUnit{
		Kind: streamer.KindVideo, Data: h264.JoinAnnexB(testIDR), PTS: 0, IsKeyFrame: true,
	}))
	require.NoError(t, m.WriteAudio(streamer.EncodedUnit{
		Kind: streamer.KindAudio, Data: testAAC, PTS: 21_333,
	}))
	require.NoError(t, m.Close())

	require.Eventually(t, func() bool {
		return bytes.Contains(buf.Bytes(), clusterID)
	}, time.Second, 10*time.Millisecond)

	data := buf.Bytes()
	assert.Equal(t, ebmlMagic, data[:4])
	assert.True(t, bytes.Contains(data, []byte("matroska")))
	assert.True(t, bytes.Contains(data, []byte("V_MPEG4/ISO/AVC")))
	assert.True(t, bytes.Contains(data, []byte("A_AAC")))
	// Blocks carry length-prefixed NAL units.
	assert.True(t, bytes.Contains(data, append([]byte{0, 0, 0, byte(len(testIDR))}, testIDR...)))
}

func TestWriteBeforeHeader(t *testing.T) {
	var buf lockedBuffer
	m := newTestMuxer(&buf)

	err := m.WriteAudio(streamer.EncodedUnit{Kind: streamer.KindAudio, Data: testAAC})
	assert.Error(t, err)
	assert.NoError(t, m.Close())
}

func TestHeaderRequiresParameterSets(t *testing.T) {
	var buf lockedBuffer
	m := newTestMuxer(&buf)

	err := m.WriteHeader(sink.Params{SampleRate: 48000, ChannelCount: 2})
	assert.Error(t, err)
	assert.Empty(t, buf.Bytes())
}
