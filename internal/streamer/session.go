package streamer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/babelcloud/gbox-streamer/internal/h264"
	"github.com/babelcloud/gbox-streamer/internal/util"
)

// DefaultPollTimeout bounds each device poll, and therefore how quickly a
// pump notices Stop.
const DefaultPollTimeout = 10 * time.Millisecond

// Options wires a Session to its platform devices and sink.
type Options struct {
	Codecs  CodecFactory
	Capture CaptureDriver
	NewSink SinkFactory

	// Observer receives sink connection events. Defaults to a LogObserver.
	Observer ConnectionObserver
	// PollTimeout defaults to DefaultPollTimeout.
	PollTimeout time.Duration
	// Clock defaults to MonotonicClock.
	Clock Clock
	// OnError is called from the failing pump's goroutine. It must not call
	// back into the session's lifecycle methods synchronously.
	OnError func(error)
	Logger  *slog.Logger
}

// Session owns the capture device, both encoders and the sink, and runs the
// three pumps between Start and Stop.
type Session struct {
	mu sync.Mutex

	id     string
	opts   Options
	logger *slog.Logger

	cfg    StreamConfig
	state  SessionState
	origin *TimestampOrigin

	videoEncoder VideoEncoder
	audioEncoder AudioEncoder
	surface      Surface
	capture      CaptureDevice
	sink         Sink
	sinkActive   bool

	cancel  context.CancelFunc
	group   *errgroup.Group
	lastErr error

	errMu  sync.Mutex
	runErr error
}

// NewSession returns an uninitialized session with DefaultStreamConfig.
func NewSession(opts Options) (*Session, error) {
	if opts.Codecs == nil || opts.Capture == nil || opts.NewSink == nil {
		return nil, errors.New("streamer: codecs, capture and sink factory are required")
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.Clock == nil {
		opts.Clock = MonotonicClock{}
	}

	id := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = util.GetLogger()
	}
	logger = logger.With("session", id[:8])
	if opts.Observer == nil {
		opts.Observer = &LogObserver{Logger: logger}
	}

	return &Session{
		id:     id,
		opts:   opts,
		logger: logger,
		cfg:    DefaultStreamConfig(),
		state:  StateUninitialized,
		origin: NewTimestampOrigin(),
	}, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config returns a copy of the current configuration.
func (s *Session) Config() StreamConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Err returns the first pump failure of the most recent Started period, once
// that period has been stopped. Use Options.OnError to learn of failures
// while the session is still running.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Origin exposes the timestamp origin of the current Started period.
func (s *Session) Origin() (int64, bool) {
	return s.origin.Value()
}

// Configure replaces the whole configuration at once.
func (s *Session) Configure(cfg StreamConfig) error {
	return s.setConfig("configure", func(c *StreamConfig) { *c = cfg })
}

func (s *Session) SetDestination(url string) error {
	return s.setConfig("set destination", func(c *StreamConfig) { c.Destination = url })
}

func (s *Session) SetVideoSize(width, height int) error {
	return s.setConfig("set video size", func(c *StreamConfig) {
		c.VideoWidth = width
		c.VideoHeight = height
	})
}

func (s *Session) SetVideoFrameRate(fps int) error {
	return s.setConfig("set video frame rate", func(c *StreamConfig) { c.FrameRate = fps })
}

func (s *Session) SetVideoEncodingBitrate(bitrate int) error {
	return s.setConfig("set video bitrate", func(c *StreamConfig) { c.VideoBitrate = bitrate })
}

func (s *Session) SetOrientationHint(degrees int) error {
	return s.setConfig("set orientation hint", func(c *StreamConfig) { c.Rotation = degrees })
}

func (s *Session) SetAudioSampleRate(rate int) error {
	return s.setConfig("set audio sample rate", func(c *StreamConfig) { c.SampleRate = rate })
}

func (s *Session) SetAudioStereo(stereo bool) error {
	return s.setConfig("set audio stereo", func(c *StreamConfig) { c.Stereo = stereo })
}

func (s *Session) SetAudioBitrate(bitrate int) error {
	return s.setConfig("set audio bitrate", func(c *StreamConfig) { c.AudioBitrate = bitrate })
}

func (s *Session) setConfig(op string, apply func(*StreamConfig)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canConfigure(s.state) {
		return &StateError{Op: op, State: s.state}
	}
	apply(&s.cfg)
	return nil
}

// Surface returns the video encoder's input surface. Frames drawn onto it
// become the video stream.
func (s *Session) Surface() (Surface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateReleased || s.surface == nil {
		return nil, &StateError{Op: "get surface", State: s.state}
	}
	return s.surface, nil
}

// Prepare configures both encoders, opens the capture device and begins the
// sink transport. On failure the session stays uninitialized and everything
// opened along the way is closed again.
func (s *Session) Prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canPrepare(s.state) {
		return &StateError{Op: "prepare", State: s.state}
	}

	if err := s.prepareDevices(); err != nil {
		s.logger.Error("Prepare failed", "error", err)
		s.releasePrepared()
		return err
	}

	s.state = StateInitialized
	s.logger.Info("Session prepared",
		"destination", s.cfg.Destination,
		"video", s.cfg.videoFormat(),
		"audio", s.cfg.audioFormat())
	return nil
}

func (s *Session) prepareDevices() error {
	videoName, ok := s.opts.Codecs.FindEncoderForMime(MimeVideoAVC)
	if !ok {
		return errors.Wrapf(ErrUnsupportedCodec, "no encoder for %s", MimeVideoAVC)
	}
	audioName, ok := s.opts.Codecs.FindEncoderForMime(MimeAudioAAC)
	if !ok {
		return errors.Wrapf(ErrUnsupportedCodec, "no encoder for %s", MimeAudioAAC)
	}

	if s.videoEncoder != nil && s.videoEncoder.Name() != videoName {
		s.closeDevice("video encoder", s.videoEncoder.Release)
		s.videoEncoder = nil
	}
	if s.videoEncoder == nil {
		enc, err := s.opts.Codecs.CreateVideoEncoder(videoName)
		if err != nil {
			return errors.Wrapf(ErrDeviceConfig, "create video encoder %s: %v", videoName, err)
		}
		s.videoEncoder = enc
	}
	if err := s.videoEncoder.Configure(s.cfg.videoFormat()); err != nil {
		return errors.Wrapf(ErrDeviceConfig, "configure video encoder %s: %v", videoName, err)
	}
	surface, err := s.videoEncoder.CreateInputSurface()
	if err != nil {
		return errors.Wrapf(ErrDeviceConfig, "create input surface: %v", err)
	}
	s.surface = surface

	params := s.cfg.captureParams()
	minBuf, err := s.opts.Capture.MinBufferSize(params)
	if err != nil {
		return errors.Wrapf(ErrDeviceConfig, "capture buffer size for %+v: %v", params, err)
	}
	capture, err := s.opts.Capture.Open(params, minBuf*captureBufferMultiplier)
	if err != nil {
		return errors.Wrapf(ErrDeviceConfig, "open capture device: %v", err)
	}
	s.capture = capture

	if s.audioEncoder != nil && s.audioEncoder.Name() != audioName {
		s.closeDevice("audio encoder", s.audioEncoder.Release)
		s.audioEncoder = nil
	}
	if s.audioEncoder == nil {
		enc, err := s.opts.Codecs.CreateAudioEncoder(audioName)
		if err != nil {
			return errors.Wrapf(ErrDeviceConfig, "create audio encoder %s: %v", audioName, err)
		}
		s.audioEncoder = enc
	}
	if err := s.audioEncoder.Configure(s.cfg.audioFormat()); err != nil {
		return errors.Wrapf(ErrDeviceConfig, "configure audio encoder %s: %v", audioName, err)
	}

	s.sink = s.opts.NewSink(s.opts.Observer)
	s.sink.SetVideoResolution(s.cfg.VideoWidth, s.cfg.VideoHeight)
	s.sink.SetAudioParameters(s.cfg.SampleRate, s.cfg.Stereo)
	s.sink.Start(s.cfg.Destination)
	s.sinkActive = true
	return nil
}

// releasePrepared undoes a partial Prepare. Encoders are soft reset and kept.
func (s *Session) releasePrepared() {
	if s.surface != nil {
		s.closeDevice("input surface", s.surface.Release)
		s.surface = nil
	}
	if s.capture != nil {
		s.closeDevice("capture device", s.capture.Release)
		s.capture = nil
	}
	if s.videoEncoder != nil {
		s.closeDevice("video encoder", s.videoEncoder.Reset)
	}
	if s.audioEncoder != nil {
		s.closeDevice("audio encoder", s.audioEncoder.Reset)
	}
	s.sink = nil
	s.sinkActive = false
}

// Start begins capture and encoding and spawns the three pumps.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canStart(s.state) {
		return &StateError{Op: "start", State: s.state}
	}

	if !s.sinkActive {
		s.sink.Start(s.cfg.Destination)
		s.sinkActive = true
	}
	if err := s.capture.StartRecording(); err != nil {
		return errors.Wrapf(ErrDeviceConfig, "start recording: %v", err)
	}
	if err := s.audioEncoder.Start(); err != nil {
		s.closeDevice("capture device", s.capture.Stop)
		return errors.Wrapf(ErrDeviceConfig, "start audio encoder: %v", err)
	}
	if err := s.videoEncoder.Start(); err != nil {
		s.closeDevice("audio encoder", s.audioEncoder.Stop)
		s.closeDevice("capture device", s.capture.Stop)
		return errors.Wrapf(ErrDeviceConfig, "start video encoder: %v", err)
	}

	s.origin.Reset()
	s.errMu.Lock()
	s.runErr = nil
	s.errMu.Unlock()
	s.lastErr = nil

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group = &errgroup.Group{}
	s.spawn(ctx)

	s.state = StateStarted
	s.logger.Info("Session started")
	return nil
}

// spawn hands each pump exclusive references to the devices it drives. The
// pumps share nothing with each other except the origin and the sink.
func (s *Session) spawn(ctx context.Context) {
	sink := s.sink

	video := &drainPump{
		kind:   KindVideo,
		codec:  s.videoEncoder,
		origin: s.origin,
		send:   sink.SendVideo,
		onFormat: func(f *MediaFormat) {
			if f == nil {
				return
			}
			sink.SetParameterSets(h264.StripStartCode(f.CSD0), h264.StripStartCode(f.CSD1))
		},
		pollTimeout: s.opts.PollTimeout,
		logger:      s.logger,
	}
	capture := &capturePump{
		encoder:     s.audioEncoder,
		capture:     s.capture,
		params:      s.cfg.captureParams(),
		clock:       s.opts.Clock,
		pollTimeout: s.opts.PollTimeout,
		logger:      s.logger,
	}
	audio := &drainPump{
		kind:        KindAudio,
		codec:       s.audioEncoder,
		origin:      s.origin,
		send:        sink.SendAudio,
		pollTimeout: s.opts.PollTimeout,
		logger:      s.logger,
	}

	s.group.Go(func() error { return s.report("video drain", video.run(ctx)) })
	s.group.Go(func() error { return s.report("audio capture", capture.run(ctx)) })
	s.group.Go(func() error { return s.report("audio drain", audio.run(ctx)) })
}

// report records a pump's exit. A failing pump never takes its siblings or
// the session state down with it.
func (s *Session) report(pump string, err error) error {
	if err == nil {
		return nil
	}
	s.logger.Error("Pump exited", "pump", pump, "error", err)
	s.errMu.Lock()
	if s.runErr == nil {
		s.runErr = err
	}
	s.errMu.Unlock()
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
	return err
}

// Stop asks the pumps to exit, waits for all three, then stops the sink and
// the devices.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canStop(s.state) {
		return &StateError{Op: "stop", State: s.state}
	}
	s.stopLocked()
	return nil
}

func (s *Session) stopLocked() {
	s.cancel()
	_ = s.group.Wait()
	s.cancel = nil
	s.group = nil

	s.errMu.Lock()
	s.lastErr = s.runErr
	s.errMu.Unlock()

	if s.sinkActive {
		s.sink.Stop()
		s.sinkActive = false
	}
	s.closeDevice("capture device", s.capture.Stop)
	s.closeDevice("audio encoder", s.audioEncoder.Stop)
	s.closeDevice("video encoder", s.videoEncoder.Stop)

	s.state = StateStopped
	s.logger.Info("Session stopped", "error", s.lastErr)
}

// Reset returns the session to uninitialized so it can be reconfigured. The
// encoders are kept and reconfigured by the next Prepare.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canReset(s.state) {
		return &StateError{Op: "reset", State: s.state}
	}
	if s.state == StateStarted {
		s.stopLocked()
	}

	if s.videoEncoder != nil {
		s.closeDevice("video encoder", s.videoEncoder.Reset)
	}
	if s.surface != nil {
		s.closeDevice("input surface", s.surface.Release)
		s.surface = nil
	}
	if s.capture != nil {
		s.closeDevice("capture device", s.capture.Release)
		s.capture = nil
	}
	if s.audioEncoder != nil {
		s.closeDevice("audio encoder", s.audioEncoder.Reset)
	}
	if s.sinkActive {
		s.sink.Stop()
		s.sinkActive = false
	}
	s.sink = nil

	s.state = StateUninitialized
	s.logger.Info("Session reset")
	return nil
}

// Release stops the session if needed and frees every device. The session
// cannot be used afterwards.
func (s *Session) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canRelease(s.state) {
		return &StateError{Op: "release", State: s.state}
	}
	if s.state == StateStarted {
		s.stopLocked()
	}
	if s.sinkActive {
		s.sink.Stop()
		s.sinkActive = false
	}

	if s.videoEncoder != nil {
		s.closeDevice("video encoder", s.videoEncoder.Release)
		s.videoEncoder = nil
	}
	if s.surface != nil {
		s.closeDevice("input surface", s.surface.Release)
		s.surface = nil
	}
	if s.capture != nil {
		s.closeDevice("capture device", s.capture.Release)
		s.capture = nil
	}
	if s.audioEncoder != nil {
		s.closeDevice("audio encoder", s.audioEncoder.Release)
		s.audioEncoder = nil
	}
	s.sink = nil

	s.state = StateReleased
	s.logger.Info("Session released")
	return nil
}

func (s *Session) closeDevice(what string, fn func() error) {
	if err := fn(); err != nil {
		s.logger.Warn("Device shutdown failed", "device", what, "error", err)
	}
}
