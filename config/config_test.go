package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withViper(t *testing.T) {
	t.Helper()
	saved := v
	v = newViper()
	t.Cleanup(func() { v = saved })
}

func TestDefaults(t *testing.T) {
	withViper(t)

	cfg := StreamConfig()
	assert.Equal(t, "", cfg.Destination)
	assert.Equal(t, 1280, cfg.VideoWidth)
	assert.Equal(t, 720, cfg.VideoHeight)
	assert.Equal(t, 30, cfg.FrameRate)
	assert.Equal(t, 2_000_000, cfg.VideoBitrate)
	assert.Equal(t, 32000, cfg.SampleRate)
	assert.True(t, cfg.Stereo)
	assert.Equal(t, 65536, cfg.AudioBitrate)

	assert.Equal(t, "flv", SinkFormat())
	assert.Equal(t, 256, SinkQueueSize())
	assert.Equal(t, 10*time.Millisecond, PollTimeout())
}

func TestEnvironment(t *testing.T) {
	t.Setenv("GBOX_STREAMER_DESTINATION", "tcp://127.0.0.1:9000")
	t.Setenv("GBOX_STREAMER_VIDEO_FPS", "60")
	t.Setenv("GBOX_STREAMER_AUDIO_STEREO", "false")
	t.Setenv("GBOX_STREAMER_SINK_FORMAT", "mkv")
	t.Setenv("GBOX_STREAMER_POLL_TIMEOUT", "25ms")
	withViper(t)

	cfg := StreamConfig()
	assert.Equal(t, "tcp://127.0.0.1:9000", cfg.Destination)
	assert.Equal(t, 60, cfg.FrameRate)
	assert.False(t, cfg.Stereo)
	assert.Equal(t, "mkv", SinkFormat())
	assert.Equal(t, 25*time.Millisecond, PollTimeout())
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
video:
  width: 640
  height: 360
audio:
  sample_rate: 48000
sink:
  format: fmp4
`), 0o644))
	withViper(t)
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg := StreamConfig()
	assert.Equal(t, 640, cfg.VideoWidth)
	assert.Equal(t, 360, cfg.VideoHeight)
	assert.Equal(t, 48000, cfg.SampleRate)
	assert.Equal(t, "fmp4", SinkFormat())
	assert.Equal(t, path, ConfigFile())
}
