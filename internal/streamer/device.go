package streamer

import "time"

// CodecDevice is an opaque encoder with a queue based output side.
type CodecDevice interface {
	Name() string
	Configure(format *MediaFormat) error
	Start() error
	// Stop halts the device but keeps its configuration for a later Start.
	Stop() error
	// Reset returns the device to its unconfigured state. It stays usable.
	Reset() error
	// Release frees the device for good.
	Release() error

	// PollOutput waits at most timeout for the next output event.
	PollOutput(timeout time.Duration) (Output, error)
	OutputBuffer(index int) ([]byte, error)
	ReleaseOutput(index int) error
	OutputFormat() *MediaFormat
}

// Surface is the input side of a video encoder. The session owns it; an
// external renderer only draws into it.
type Surface interface {
	Release() error
}

// VideoEncoder is fed through a rendering surface.
type VideoEncoder interface {
	CodecDevice
	CreateInputSurface() (Surface, error)
}

// AudioEncoder is fed buffer by buffer.
type AudioEncoder interface {
	CodecDevice
	// AcquireInputSlot returns ok=false when no slot frees up within timeout.
	AcquireInputSlot(timeout time.Duration) (slot InputSlot, ok bool, err error)
	QueueInput(slot InputSlot, size int, ptsUs int64) error
}

// CodecFactory finds and instantiates encoders.
type CodecFactory interface {
	FindEncoderForMime(mime string) (name string, ok bool)
	CreateVideoEncoder(name string) (VideoEncoder, error)
	CreateAudioEncoder(name string) (AudioEncoder, error)
}

// CaptureDevice is a blocking PCM source.
type CaptureDevice interface {
	StartRecording() error
	// Read blocks until p holds captured samples. A non-nil error means the
	// device failed and no further reads will succeed.
	Read(p []byte) (int, error)
	Stop() error
	Release() error
}

// CaptureDriver opens capture devices.
type CaptureDriver interface {
	MinBufferSize(params CaptureParams) (int, error)
	Open(params CaptureParams, bufferSize int) (CaptureDevice, error)
}
