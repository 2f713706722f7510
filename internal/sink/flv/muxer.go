package flv

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/babelcloud/gbox-streamer/internal/h264"
	"github.com/babelcloud/gbox-streamer/internal/sink"
	"github.com/babelcloud/gbox-streamer/internal/streamer"
)

// Tag types.
const (
	TagAudio  = 8
	TagVideo  = 9
	TagScript = 18
)

const (
	codecAVC = 7
	codecAAC = 10

	// aacSoundFlags is SoundFormat=AAC, 44 kHz, 16 bit, stereo. The real
	// parameters live in the AudioSpecificConfig.
	aacSoundFlags = codecAAC<<4 | 3<<2 | 1<<1 | 1

	avcSequenceHeader = 0
	avcNALU           = 1
	aacSequenceHeader = 0
	aacRaw            = 1

	tagHeaderSize = 11
)

// Format registers the FLV muxer.
var Format = sink.Format{Name: "flv", ContentType: "video/x-flv", New: New}

// Muxer writes an FLV stream: file header, onMetaData, AVC and AAC sequence
// headers, then one tag per unit with millisecond timestamps.
type Muxer struct {
	w      io.Writer
	logger *slog.Logger
	conv   *h264.AVCConverter
	buf    []byte
}

func New(w io.Writer, logger *slog.Logger) sink.Muxer {
	return &Muxer{
		w:      w,
		logger: logger,
		conv:   h264.NewAVCConverter(),
		buf:    make([]byte, 0, 64*1024),
	}
}

func (m *Muxer) WriteHeader(p sink.Params) error {
	// Signature, version 1, audio and video present, header size 9, then
	// PreviousTagSize0.
	header := []byte{'F', 'L', 'V', 0x01, 0x05, 0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x00}
	if _, err := m.w.Write(header); err != nil {
		return err
	}

	meta := appendAMFString(nil, "onMetaData")
	meta = appendAMFECMAArray(meta, map[string]any{
		"width":           p.Width,
		"height":          p.Height,
		"videocodecid":    codecAVC,
		"audiocodecid":    codecAAC,
		"audiosamplerate": p.SampleRate,
		"audiosamplesize": 16,
		"stereo":          p.ChannelCount == 2,
		"encoder":         "gbox-streamer",
	})
	if err := m.writeTag(TagScript, 0, meta); err != nil {
		return err
	}

	record, err := h264.DecoderConfigurationRecord(p.SPS, p.PPS)
	if err != nil {
		return fmt.Errorf("AVC sequence header: %w", err)
	}
	video := append([]byte{0x10 | codecAVC, avcSequenceHeader, 0, 0, 0}, record...)
	if err := m.writeTag(TagVideo, 0, video); err != nil {
		return err
	}

	asc, err := p.AudioConfig().Marshal()
	if err != nil {
		return fmt.Errorf("AAC sequence header: %w", err)
	}
	audio := append([]byte{aacSoundFlags, aacSequenceHeader}, asc...)
	return m.writeTag(TagAudio, 0, audio)
}

func (m *Muxer) WriteVideo(unit streamer.EncodedUnit) error {
	avcc, err := m.conv.Convert(unit.Data)
	if err != nil {
		return err
	}
	if len(avcc) == 0 {
		return nil
	}
	frameType := byte(0x20) // inter frame
	if unit.IsKeyFrame {
		frameType = 0x10
	}
	// Composition time is always zero: the encoders emit no B-frames.
	m.buf = append(m.buf[:0], frameType|codecAVC, avcNALU, 0, 0, 0)
	m.buf = append(m.buf, avcc...)
	return m.writeTag(TagVideo, toMillis(unit.PTS), m.buf)
}

func (m *Muxer) WriteAudio(unit streamer.EncodedUnit) error {
	raw := sink.StripADTS(unit.Data)
	if len(raw) == 0 {
		return nil
	}
	m.buf = append(m.buf[:0], aacSoundFlags, aacRaw)
	m.buf = append(m.buf, raw...)
	return m.writeTag(TagAudio, toMillis(unit.PTS), m.buf)
}

func (m *Muxer) Close() error {
	return nil
}

// writeTag writes the 11-byte tag header, the payload and PreviousTagSize.
func (m *Muxer) writeTag(tagType byte, timestamp uint32, payload []byte) error {
	size := len(payload)
	if size > 0xFFFFFF {
		return fmt.Errorf("tag payload too large: %d bytes", size)
	}

	var hdr [tagHeaderSize]byte
	hdr[0] = tagType
	hdr[1] = byte(size >> 16)
	hdr[2] = byte(size >> 8)
	hdr[3] = byte(size)
	hdr[4] = byte(timestamp >> 16)
	hdr[5] = byte(timestamp >> 8)
	hdr[6] = byte(timestamp)
	hdr[7] = byte(timestamp >> 24)
	// StreamID stays zero.

	if _, err := m.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := m.w.Write(payload); err != nil {
		return err
	}
	var prev [4]byte
	binary.BigEndian.PutUint32(prev[:], uint32(tagHeaderSize+size))
	_, err := m.w.Write(prev[:])
	return err
}

func toMillis(ptsUs int64) uint32 {
	if ptsUs <= 0 {
		return 0
	}
	return uint32(ptsUs / 1000)
}
