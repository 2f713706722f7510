package mkv

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"

	"github.com/babelcloud/gbox-streamer/internal/h264"
	"github.com/babelcloud/gbox-streamer/internal/sink"
	"github.com/babelcloud/gbox-streamer/internal/streamer"
)

const (
	videoTrackNumber = 1
	audioTrackNumber = 2

	trackTypeVideo = 1
	trackTypeAudio = 2

	// timecodeScale makes block timecodes milliseconds.
	timecodeScale = 1_000_000
)

// Format registers the Matroska muxer.
var Format = sink.Format{Name: "mkv", ContentType: "video/x-matroska", New: New}

// Muxer writes a live Matroska stream with an H.264 and an AAC track.
type Muxer struct {
	w      io.Writer
	logger *slog.Logger

	videoWriter webm.BlockWriteCloser
	audioWriter webm.BlockWriteCloser
	fatal       atomic.Pointer[error]
}

func New(w io.Writer, logger *slog.Logger) sink.Muxer {
	return &Muxer{w: w, logger: logger}
}

// writerCloser keeps ebml-go from closing the connection's writer, which the
// sink owns.
type writerCloser struct {
	io.Writer
}

func (writerCloser) Close() error { return nil }

func (m *Muxer) WriteHeader(p sink.Params) error {
	record, err := h264.DecoderConfigurationRecord(p.SPS, p.PPS)
	if err != nil {
		return fmt.Errorf("video CodecPrivate: %w", err)
	}
	asc, err := p.AudioConfig().Marshal()
	if err != nil {
		return fmt.Errorf("audio CodecPrivate: %w", err)
	}

	header := webm.EBMLHeader{
		EBMLVersion:        1,
		EBMLReadVersion:    1,
		EBMLMaxIDLength:    4,
		EBMLMaxSizeLength:  8,
		DocType:            "matroska",
		DocTypeVersion:     4,
		DocTypeReadVersion: 2,
	}

	writers, err := webm.NewSimpleBlockWriter(writerCloser{m.w}, []webm.TrackEntry{
		{
			Name:         "Video",
			TrackNumber:  videoTrackNumber,
			TrackUID:     videoTrackNumber,
			CodecID:      "V_MPEG4/ISO/AVC",
			CodecPrivate: record,
			TrackType:    trackTypeVideo,
			Video: &webm.Video{
				PixelWidth:  uint64(p.Width),
				PixelHeight: uint64(p.Height),
			},
		},
		{
			Name:         "Audio",
			TrackNumber:  audioTrackNumber,
			TrackUID:     audioTrackNumber,
			CodecID:      "A_AAC",
			CodecPrivate: asc,
			TrackType:    trackTypeAudio,
			Audio: &webm.Audio{
				SamplingFrequency: float64(p.SampleRate),
				Channels:          uint64(p.ChannelCount),
			},
		},
	},
		mkvcore.WithEBMLHeader(&header),
		mkvcore.WithSegmentInfo(&webm.Info{
			TimecodeScale: timecodeScale,
			MuxingApp:     "gbox-streamer",
			WritingApp:    "gbox-streamer",
		}),
		mkvcore.WithOnFatalHandler(func(err error) {
			m.logger.Warn("Matroska writer failed", "error", err)
			m.fatal.Store(&err)
		}),
	)
	if err != nil {
		return fmt.Errorf("create Matroska writer: %w", err)
	}

	m.videoWriter = writers[0]
	m.audioWriter = writers[1]
	return nil
}

func (m *Muxer) WriteVideo(unit streamer.EncodedUnit) error {
	avcc, err := h264.ConvertAnnexBToAVC(unit.Data)
	if err != nil {
		return err
	}
	if len(avcc) == 0 {
		return nil
	}
	return m.write(m.videoWriter, unit.IsKeyFrame, unit.PTS, avcc)
}

func (m *Muxer) WriteAudio(unit streamer.EncodedUnit) error {
	raw := sink.StripADTS(unit.Data)
	if len(raw) == 0 {
		return nil
	}
	return m.write(m.audioWriter, true, unit.PTS, raw)
}

func (m *Muxer) write(w webm.BlockWriteCloser, keyframe bool, ptsUs int64, data []byte) error {
	if err := m.fatal.Load(); err != nil {
		return *err
	}
	if w == nil {
		return fmt.Errorf("Matroska header not written")
	}
	if _, err := w.Write(keyframe, ptsUs/1000, data); err != nil {
		return err
	}
	return nil
}

func (m *Muxer) Close() error {
	for _, w := range []webm.BlockWriteCloser{m.videoWriter, m.audioWriter} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			m.logger.Warn("Matroska track close failed", "error", err)
		}
	}
	m.videoWriter, m.audioWriter = nil, nil
	return nil
}
