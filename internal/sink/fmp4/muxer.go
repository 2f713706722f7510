package fmp4

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/babelcloud/gbox-streamer/internal/h264"
	"github.com/babelcloud/gbox-streamer/internal/sink"
	"github.com/babelcloud/gbox-streamer/internal/streamer"
)

const (
	videoTrackID   = 1
	audioTrackID   = 2
	videoTimeScale = 90000
	// aacFrameSamples is the duration of one AAC-LC frame in samples.
	aacFrameSamples = 1024
)

// Format registers the fragmented MP4 muxer.
var Format = sink.Format{Name: "fmp4", ContentType: "video/mp4", New: New}

// Muxer writes an init segment followed by one fragment per unit.
type Muxer struct {
	w              io.Writer
	logger         *slog.Logger
	videoTrack     *track
	audioTrack     *track
	sps, pps       []byte
	sequenceNumber uint32
	initSent       bool
}

type track struct {
	id        int
	timeScale uint32
	lastDTS   int64
	started   bool
	samples   uint32
}

// scale converts microseconds into the track timescale.
func (t *track) scale(ptsUs int64) int64 {
	if ptsUs <= 0 {
		return 0
	}
	return ptsUs * int64(t.timeScale) / 1_000_000
}

// duration estimates the sample duration from the previous sample, since a
// fragment is written before the next unit exists.
func (t *track) duration(dts int64, fallback uint32) uint32 {
	if t.started {
		if d := dts - t.lastDTS; d > 0 {
			return uint32(d)
		}
	}
	return fallback
}

func New(w io.Writer, logger *slog.Logger) sink.Muxer {
	return &Muxer{
		w:              w,
		logger:         logger,
		videoTrack:     &track{id: videoTrackID, timeScale: videoTimeScale},
		audioTrack:     &track{id: audioTrackID},
		sequenceNumber: 1,
	}
}

func (m *Muxer) WriteHeader(p sink.Params) error {
	if m.initSent {
		return nil
	}
	if p.SampleRate <= 0 {
		return fmt.Errorf("invalid audio sample rate %d", p.SampleRate)
	}
	m.audioTrack.timeScale = uint32(p.SampleRate)
	m.sps, m.pps = p.SPS, p.PPS

	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{
			{
				ID:        videoTrackID,
				TimeScale: m.videoTrack.timeScale,
				Codec:     &mp4.CodecH264{SPS: p.SPS, PPS: p.PPS},
			},
			{
				ID:        audioTrackID,
				TimeScale: m.audioTrack.timeScale,
				Codec:     &mp4.CodecMPEG4Audio{Config: p.AudioConfig()},
			},
		},
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("failed to marshal init segment: %w", err)
	}
	if _, err := m.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write init segment: %w", err)
	}
	m.initSent = true
	m.logger.Debug("fMP4 init segment written", "size", len(buf.Bytes()))
	return nil
}

func (m *Muxer) WriteVideo(unit streamer.EncodedUnit) error {
	avcc, err := h264.ConvertAnnexBToAVC(unit.Data)
	if err != nil {
		return fmt.Errorf("failed to convert AnnexB to AVCC: %w", err)
	}
	if len(avcc) == 0 {
		return nil
	}
	if unit.IsKeyFrame {
		avcc = h264.PrependParameterSetsAVCC(avcc, m.sps, m.pps)
	}

	sample := &fmp4.Sample{
		IsNonSyncSample: !unit.IsKeyFrame,
		Payload:         avcc,
	}
	return m.writePart(m.videoTrack, sample, unit.PTS, videoTimeScale/30)
}

func (m *Muxer) WriteAudio(unit streamer.EncodedUnit) error {
	raw := sink.StripADTS(unit.Data)
	if len(raw) == 0 {
		return nil
	}
	return m.writePart(m.audioTrack, &fmp4.Sample{Payload: raw}, unit.PTS, aacFrameSamples)
}

func (m *Muxer) writePart(t *track, sample *fmp4.Sample, ptsUs int64, fallback uint32) error {
	if !m.initSent {
		return fmt.Errorf("init segment not written yet")
	}

	dts := t.scale(ptsUs)
	sample.Duration = t.duration(dts, fallback)

	part := &fmp4.Part{
		SequenceNumber: m.sequenceNumber,
		Tracks: []*fmp4.PartTrack{{
			ID:       t.id,
			BaseTime: uint64(dts),
			Samples:  []*fmp4.Sample{sample},
		}},
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("failed to marshal fragment: %w", err)
	}
	if _, err := m.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write fragment: %w", err)
	}

	t.lastDTS = dts
	t.started = true
	t.samples++
	m.sequenceNumber++
	return nil
}

func (m *Muxer) Close() error {
	m.logger.Debug("fMP4 muxer closed",
		"video_samples", m.videoTrack.samples,
		"audio_samples", m.audioTrack.samples)
	return nil
}
