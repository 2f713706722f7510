package soft

import (
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox-streamer/internal/h264"
	"github.com/babelcloud/gbox-streamer/internal/streamer"
)

const defaultFrameRate = 30

// VideoEncoder turns frames drawn on its Surface into a constrained baseline
// H.264 stream. Each access unit is Annex-B framed.
type VideoEncoder struct {
	*codec

	stream    *bitstream
	gopFrames int
	frames    int
	lastPTS   int64
}

func NewVideoEncoder(name string, logger *slog.Logger) *VideoEncoder {
	return &VideoEncoder{codec: newCodec(name, logger)}
}

func (e *VideoEncoder) Configure(format *streamer.MediaFormat) error {
	if format == nil || format.Mime != streamer.MimeVideoAVC {
		return errors.Errorf("%s cannot encode %v", e.name, format)
	}
	stream, err := newBitstream(format.Width, format.Height)
	if err != nil {
		return err
	}

	fps := format.FrameRate
	if fps <= 0 {
		fps = defaultFrameRate
	}
	interval := format.KeyFrameInterval
	if interval <= 0 {
		interval = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.configure(format); err != nil {
		return err
	}
	e.stream = stream
	e.gopFrames = fps * interval
	return nil
}

// CreateInputSurface returns a new surface bound to this encoder. Like a
// hardware encoder it is only available between Configure and Start.
func (e *VideoEncoder) CreateInputSurface() (streamer.Surface, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateConfigured {
		return nil, errors.Errorf("create input surface in state %s", e.state)
	}
	return &Surface{encoder: e}, nil
}

func (e *VideoEncoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateConfigured {
		return e.start(nil)
	}
	e.frames = 0
	e.lastPTS = -1
	return e.start(&streamer.MediaFormat{
		Mime:   streamer.MimeVideoAVC,
		Width:  e.format.Width,
		Height: e.format.Height,
		CSD0:   h264.JoinAnnexB(e.stream.sps()),
		CSD1:   h264.JoinAnnexB(e.stream.pps()),
	})
}

// encode produces one access unit. Frames drawn while the encoder is not
// running are discarded.
func (e *VideoEncoder) encode(ptsUs int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case stateReleased:
		return ErrReleased
	case stateRunning:
	default:
		return nil
	}
	if ptsUs <= e.lastPTS {
		e.logger.Debug("Dropping frame with non-increasing timestamp", "pts", ptsUs, "last_pts", e.lastPTS)
		return nil
	}
	e.lastPTS = ptsUs

	key := e.frames%e.gopFrames == 0
	e.frames++
	if key {
		e.emit(h264.JoinAnnexB(e.stream.idr()), ptsUs, streamer.BufferFlagKeyFrame)
	} else {
		e.emit(h264.JoinAnnexB(e.stream.inter()), ptsUs, 0)
	}
	return nil
}

// Surface is the rendering target of a VideoEncoder. Every Draw submits one
// frame with the given presentation time.
type Surface struct {
	encoder *VideoEncoder

	mu       sync.Mutex
	released bool
}

// Draw submits a frame. ptsUs is on the same monotonic clock as the audio
// capture timestamps.
func (s *Surface) Draw(ptsUs int64) error {
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		return errors.New("surface released")
	}
	return s.encoder.encode(ptsUs)
}

func (s *Surface) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	return nil
}
