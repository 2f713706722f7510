package streamer

import "fmt"

// MIME types the session asks the codec factory for.
const (
	MimeVideoAVC = "video/avc"
	MimeAudioAAC = "audio/mp4a-latm"
)

// StreamKind tells the two elementary streams apart.
type StreamKind int

const (
	KindVideo StreamKind = iota
	KindAudio
)

func (k StreamKind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "audio"
}

// EncodedUnit is one access unit handed to a Sink. Data is a view into the
// device output buffer and is only valid for the duration of the Send call.
type EncodedUnit struct {
	Kind       StreamKind
	Data       []byte
	PTS        int64 // microseconds, rebased onto the shared origin
	IsKeyFrame bool
	IsConfig   bool
}

// Bitrate modes and color formats understood by codec devices.
const (
	BitrateModeCQ  = 0
	BitrateModeVBR = 1
	BitrateModeCBR = 2

	ColorFormatSurface = 0x7F000789
)

// AACObjectLC is the AAC low complexity profile.
const AACObjectLC = 2

// MediaFormat describes how a codec device is configured, and what it reports
// when its output format changes.
type MediaFormat struct {
	Mime string

	// video
	Width            int
	Height           int
	Bitrate          int
	BitrateMode      int
	ColorFormat      int
	FrameRate        int
	KeyFrameInterval int // seconds
	Rotation         int

	// audio
	SampleRate   int
	ChannelCount int
	MaxInputSize int
	AACProfile   int

	// codec specific data: SPS/PPS for AVC, AudioSpecificConfig for AAC
	CSD0 []byte
	CSD1 []byte
}

func (f *MediaFormat) String() string {
	if f == nil {
		return "<nil>"
	}
	if f.Width > 0 || f.Height > 0 {
		return fmt.Sprintf("{mime=%s %dx%d bitrate=%d fps=%d i-frame-interval=%d rotation=%d}",
			f.Mime, f.Width, f.Height, f.Bitrate, f.FrameRate, f.KeyFrameInterval, f.Rotation)
	}
	return fmt.Sprintf("{mime=%s rate=%d channels=%d bitrate=%d max-input=%d}",
		f.Mime, f.SampleRate, f.ChannelCount, f.Bitrate, f.MaxInputSize)
}

// Buffer flags reported in BufferInfo.
const (
	BufferFlagKeyFrame    = 1
	BufferFlagCodecConfig = 2
	BufferFlagEndOfStream = 4
)

// BufferInfo is the metadata of one output buffer.
type BufferInfo struct {
	Offset             int
	Size               int
	PresentationTimeUs int64
	Flags              int
}

// OutputStatus is the outcome of one bounded poll of a codec output queue.
type OutputStatus int

const (
	OutputTryAgain OutputStatus = iota
	OutputUnitReady
	OutputFormatChanged
	OutputBuffersChanged
)

func (s OutputStatus) String() string {
	switch s {
	case OutputTryAgain:
		return "try-again"
	case OutputUnitReady:
		return "unit-ready"
	case OutputFormatChanged:
		return "format-changed"
	case OutputBuffersChanged:
		return "buffers-changed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Output is the result of CodecDevice.PollOutput. Index and Info are only
// meaningful for OutputUnitReady, Format only for OutputFormatChanged.
type Output struct {
	Status OutputStatus
	Index  int
	Info   BufferInfo
	Format *MediaFormat
}

// InputSlot is an audio encoder input buffer lent to the capture pump.
type InputSlot struct {
	Index int
	Buf   []byte
}

// SampleFormat is the PCM encoding delivered by a capture device.
type SampleFormat int

const (
	PCM16Bit SampleFormat = iota
	PCM8Bit
	PCMFloat
)

// BytesPerSample returns the size of one sample of one channel.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case PCM8Bit:
		return 1
	case PCMFloat:
		return 4
	default:
		return 2
	}
}

func (f SampleFormat) String() string {
	switch f {
	case PCM8Bit:
		return "pcm8"
	case PCMFloat:
		return "pcmfloat"
	default:
		return "pcm16"
	}
}

// CaptureParams is the rate/layout/format triple a capture device is opened with.
type CaptureParams struct {
	SampleRate   int
	ChannelCount int
	Format       SampleFormat
}

// FrameBytes returns the size of one multi-channel sample frame.
func (p CaptureParams) FrameBytes() int {
	return p.ChannelCount * p.Format.BytesPerSample()
}
