package streamer

// StreamConfig holds everything the session needs to prepare its devices.
// It can only be changed while the session is uninitialized.
type StreamConfig struct {
	Destination string

	VideoWidth   int
	VideoHeight  int
	FrameRate    int
	VideoBitrate int
	Rotation     int

	SampleRate   int
	Stereo       bool
	AudioBitrate int
}

// DefaultStreamConfig returns the values a new session starts with.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		FrameRate:    30,
		SampleRate:   32000,
		Stereo:       true,
		AudioBitrate: 64 * 1024,
	}
}

// ChannelCount returns 2 for stereo and 1 for mono.
func (c StreamConfig) ChannelCount() int {
	if c.Stereo {
		return 2
	}
	return 1
}

const (
	// audioFrameSize bounds one audio input buffer per channel, in bytes.
	audioFrameSize = 2048
	// captureBufferMultiplier scales the capture driver's minimum buffer.
	captureBufferMultiplier = 5
	// keyFrameIntervalSec is the video key frame interval.
	keyFrameIntervalSec = 1
	// captureFormat is the PCM format requested from the capture device.
	captureFormat = PCM16Bit
)

func (c StreamConfig) videoFormat() *MediaFormat {
	return &MediaFormat{
		Mime:             MimeVideoAVC,
		Width:            c.VideoWidth,
		Height:           c.VideoHeight,
		Bitrate:          c.VideoBitrate,
		BitrateMode:      BitrateModeVBR,
		ColorFormat:      ColorFormatSurface,
		FrameRate:        c.FrameRate,
		KeyFrameInterval: keyFrameIntervalSec,
		Rotation:         c.Rotation,
	}
}

func (c StreamConfig) audioFormat() *MediaFormat {
	return &MediaFormat{
		Mime:         MimeAudioAAC,
		SampleRate:   c.SampleRate,
		ChannelCount: c.ChannelCount(),
		Bitrate:      c.AudioBitrate,
		MaxInputSize: audioFrameSize * c.ChannelCount(),
		AACProfile:   AACObjectLC,
	}
}

func (c StreamConfig) captureParams() CaptureParams {
	return CaptureParams{
		SampleRate:   c.SampleRate,
		ChannelCount: c.ChannelCount(),
		Format:       captureFormat,
	}
}
