package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/babelcloud/gbox-streamer/internal/streamer"
)

const appName = "gbox-streamer"

var v *viper.Viper

func init() {
	v = newViper()

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

func newViper() *viper.Viper {
	v := viper.New()

	defaults := streamer.DefaultStreamConfig()
	v.SetDefault("stream.destination", "")
	v.SetDefault("video.width", 1280)
	v.SetDefault("video.height", 720)
	v.SetDefault("video.fps", defaults.FrameRate)
	v.SetDefault("video.bitrate", 2_000_000)
	v.SetDefault("video.rotation", defaults.Rotation)
	v.SetDefault("audio.sample_rate", defaults.SampleRate)
	v.SetDefault("audio.stereo", defaults.Stereo)
	v.SetDefault("audio.bitrate", defaults.AudioBitrate)
	v.SetDefault("sink.format", "flv")
	v.SetDefault("sink.queue_size", 256)
	v.SetDefault("pump.poll_timeout", streamer.DefaultPollTimeout)

	// Environment variables
	v.AutomaticEnv()
	v.BindEnv("stream.destination", "GBOX_STREAMER_DESTINATION")
	v.BindEnv("video.width", "GBOX_STREAMER_VIDEO_WIDTH")
	v.BindEnv("video.height", "GBOX_STREAMER_VIDEO_HEIGHT")
	v.BindEnv("video.fps", "GBOX_STREAMER_VIDEO_FPS")
	v.BindEnv("video.bitrate", "GBOX_STREAMER_VIDEO_BITRATE")
	v.BindEnv("video.rotation", "GBOX_STREAMER_VIDEO_ROTATION")
	v.BindEnv("audio.sample_rate", "GBOX_STREAMER_AUDIO_SAMPLE_RATE")
	v.BindEnv("audio.stereo", "GBOX_STREAMER_AUDIO_STEREO")
	v.BindEnv("audio.bitrate", "GBOX_STREAMER_AUDIO_BITRATE")
	v.BindEnv("sink.format", "GBOX_STREAMER_SINK_FORMAT")
	v.BindEnv("sink.queue_size", "GBOX_STREAMER_SINK_QUEUE_SIZE")
	v.BindEnv("pump.poll_timeout", "GBOX_STREAMER_POLL_TIMEOUT")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Look for config in the following paths
	configPaths := []string{
		".",
		filepath.Join(xdg.ConfigHome, appName),
		"/etc/" + appName,
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}
	return v
}

// StreamConfig returns the session configuration from defaults, the config
// file and the environment.
func StreamConfig() streamer.StreamConfig {
	return streamer.StreamConfig{
		Destination:  v.GetString("stream.destination"),
		VideoWidth:   v.GetInt("video.width"),
		VideoHeight:  v.GetInt("video.height"),
		FrameRate:    v.GetInt("video.fps"),
		VideoBitrate: v.GetInt("video.bitrate"),
		Rotation:     v.GetInt("video.rotation"),
		SampleRate:   v.GetInt("audio.sample_rate"),
		Stereo:       v.GetBool("audio.stereo"),
		AudioBitrate: v.GetInt("audio.bitrate"),
	}
}

// SinkFormat returns the container name: flv, fmp4 or mkv.
func SinkFormat() string {
	return v.GetString("sink.format")
}

// SinkQueueSize returns the per-stream queue length between a sink's
// ingestion and its writer.
func SinkQueueSize() int {
	return v.GetInt("sink.queue_size")
}

// PollTimeout returns the bound of every device poll made by the pumps.
func PollTimeout() time.Duration {
	return v.GetDuration("pump.poll_timeout")
}

// ConfigFile returns the config file in use, or "" when running on defaults.
func ConfigFile() string {
	return v.ConfigFileUsed()
}
