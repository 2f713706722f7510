package sink

import (
	"io"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/babelcloud/gbox-streamer/internal/streamer"
)

// Muxer packages encoded units into one container format. A Muxer is bound
// to a single connection and is only used from the sink's writer goroutine.
type Muxer interface {
	// WriteHeader is called once, before any unit.
	WriteHeader(params Params) error
	WriteVideo(unit streamer.EncodedUnit) error
	WriteAudio(unit streamer.EncodedUnit) error
	// Close finalizes the container. It does not close the writer.
	Close() error
}

// MuxerFactory binds a new Muxer to w.
type MuxerFactory func(w io.Writer, logger *slog.Logger) Muxer

// Format names a container and how to build its muxer.
type Format struct {
	Name        string
	ContentType string
	New         MuxerFactory
}

// Params describes both tracks at the time the header is written.
type Params struct {
	Width  int
	Height int
	// SPS and PPS are raw NAL units without start codes.
	SPS []byte
	PPS []byte

	SampleRate   int
	ChannelCount int
}

// AudioConfig returns the AAC-LC AudioSpecificConfig for the audio track.
func (p Params) AudioConfig() mpeg4audio.AudioSpecificConfig {
	return mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   p.SampleRate,
		ChannelCount: p.ChannelCount,
	}
}

// StripADTS removes an ADTS header if present and returns the raw AAC frame.
func StripADTS(data []byte) []byte {
	if len(data) < 7 || data[0] != 0xFF || data[1]&0xF0 != 0xF0 {
		return data
	}
	headerLen := 7
	if data[1]&0x01 == 0 {
		headerLen = 9
	}
	if len(data) <= headerLen {
		return data
	}
	return data[headerLen:]
}
