package sink

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/babelcloud/gbox-streamer/internal/h264"
	"github.com/babelcloud/gbox-streamer/internal/pipeline"
	"github.com/babelcloud/gbox-streamer/internal/streamer"
	"github.com/babelcloud/gbox-streamer/internal/util"
)

// ErrNotStarted is returned by SendVideo and SendAudio outside Start/Stop.
var ErrNotStarted = errors.New("sink not started")

const (
	defaultQueueSize   = 256
	defaultDialTimeout = 10 * time.Second
	// stallTimeout bounds how long Stop waits on a blocked transport write
	// before closing the transport underneath it.
	stallTimeout = 2 * time.Second
)

// Options configures a Sink.
type Options struct {
	Observer    streamer.ConnectionObserver
	QueueSize   int
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Stats counts what reached the transport.
type Stats struct {
	VideoUnits int64
	AudioUnits int64
	Bytes      int64
}

// Sink is the streamer.Sink that muxes units into a container and writes it
// to a file, a socket, a WebSocket or local HTTP viewers.
type Sink struct {
	format   Format
	opts     Options
	logger   *slog.Logger
	pipeline *pipeline.Pipeline

	mu      sync.Mutex
	params  Params
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	videoUnits atomic.Int64
	audioUnits atomic.Int64
	bytes      atomic.Int64
}

// New returns a stopped sink that writes format.
func New(format Format, opts Options) *Sink {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = util.GetLogger()
	}
	logger = logger.With("component", "sink", "format", format.Name)
	if opts.Observer == nil {
		opts.Observer = &streamer.LogObserver{Logger: logger}
	}
	return &Sink{
		format:   format,
		opts:     opts,
		logger:   logger,
		pipeline: pipeline.NewPipeline(),
		params:   Params{ChannelCount: 2},
	}
}

// Factory adapts New to a streamer.SinkFactory. created, if non-nil, is
// called with every sink built.
func Factory(format Format, opts Options, created func(*Sink)) streamer.SinkFactory {
	return func(observer streamer.ConnectionObserver) streamer.Sink {
		o := opts
		o.Observer = observer
		s := New(format, o)
		if created != nil {
			created(s)
		}
		return s
	}
}

// Pipeline exposes the unit fan-out so callers can attach monitors.
func (s *Sink) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

func (s *Sink) Stats() Stats {
	return Stats{
		VideoUnits: s.videoUnits.Load(),
		AudioUnits: s.audioUnits.Load(),
		Bytes:      s.bytes.Load(),
	}
}

func (s *Sink) SetVideoResolution(width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params.Width, s.params.Height = width, height
}

func (s *Sink) SetAudioParameters(sampleRate int, stereo bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params.SampleRate = sampleRate
	s.params.ChannelCount = 1
	if stereo {
		s.params.ChannelCount = 2
	}
}

func (s *Sink) SetParameterSets(sps, pps []byte) {
	if len(sps) == 0 || len(pps) == 0 {
		s.logger.Warn("Ignoring incomplete parameter sets", "sps_size", len(sps), "pps_size", len(pps))
		return
	}
	s.pipeline.CacheParameterSets(sps, pps)
}

func (s *Sink) currentParams() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// Start spawns the writer goroutine and returns immediately.
func (s *Sink) Start(destination string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Warn("Sink already started", "destination", destination)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	video := s.pipeline.SubscribeVideo(id, s.opts.QueueSize)
	audio := s.pipeline.SubscribeAudio(id, s.opts.QueueSize)

	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	done := s.done
	go func() {
		defer close(done)
		defer s.pipeline.UnsubscribeVideo(id)
		defer s.pipeline.UnsubscribeAudio(id)
		s.run(ctx, destination, video, audio)
	}()
}

// Stop ends the writer goroutine and closes the transport. It is a no-op on
// a stopped sink.
func (s *Sink) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.running = false
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sink) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SendVideo copies unit, since the device buffer is recycled as soon as this
// returns, and queues it for the writer.
func (s *Sink) SendVideo(unit streamer.EncodedUnit) error {
	if !s.isRunning() {
		return ErrNotStarted
	}
	unit.Data = append([]byte(nil), unit.Data...)
	s.pipeline.PublishVideo(unit)
	return nil
}

func (s *Sink) SendAudio(unit streamer.EncodedUnit) error {
	if !s.isRunning() {
		return ErrNotStarted
	}
	unit.Data = append([]byte(nil), unit.Data...)
	s.pipeline.PublishAudio(unit)
	return nil
}

func (s *Sink) run(ctx context.Context, destination string, video, audio <-chan streamer.EncodedUnit) {
	observer := s.opts.Observer
	logger := s.logger.With("destination", destination)

	result, err := dial(ctx, destination, s.format.ContentType, s.opts.DialTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error("Sink connection failed", "error", err)
		var authErr *AuthError
		if errors.As(err, &authErr) {
			observer.OnAuthError()
		}
		observer.OnConnectFailed(err.Error())
		return
	}
	observer.OnConnected()
	if result.authenticated {
		observer.OnAuthSuccess()
	}

	c := newConnection(s, result.transport, logger)
	if err := c.serve(ctx, video, audio); err != nil {
		logger.Error("Sink transport failed", "error", err)
	}
	c.close()
	observer.OnDisconnected()
}

// connection is one transport session driven by the writer goroutine.
type connection struct {
	sink      *Sink
	logger    *slog.Logger
	transport transport
	tap       *headerTap
	out       *bufio.Writer
	muxer     Muxer

	headerWritten bool
	sawKeyFrame   bool
	dropped       int
}

func newConnection(s *Sink, t transport, logger *slog.Logger) *connection {
	tap := &headerTap{w: &countingWriter{w: t, n: &s.bytes}}
	out := bufio.NewWriterSize(tap, 64*1024)
	return &connection{
		sink:      s,
		logger:    logger,
		transport: t,
		tap:       tap,
		out:       out,
		muxer:     s.format.New(out, logger),
	}
}

func (c *connection) serve(ctx context.Context, video, audio <-chan streamer.EncodedUnit) error {
	served := make(chan struct{})
	defer close(served)
	stopWatch := context.AfterFunc(ctx, func() {
		select {
		case <-served:
		case <-time.After(stallTimeout):
			c.logger.Warn("Transport write stalled, closing it")
			_ = c.transport.Close()
		}
	})
	defer stopWatch()

	for {
		select {
		case <-ctx.Done():
			return nil
		case unit, ok := <-video:
			if !ok {
				return nil
			}
			if err := c.writeVideo(unit); err != nil {
				return err
			}
		case unit, ok := <-audio:
			if !ok {
				return nil
			}
			if err := c.writeAudio(unit); err != nil {
				return err
			}
		}
	}
}

func (c *connection) writeVideo(unit streamer.EncodedUnit) error {
	if unit.IsConfig {
		if sps, pps := h264.ParameterSets(unit.Data); sps != nil && pps != nil {
			c.sink.pipeline.CacheParameterSets(sps, pps)
		}
		return nil
	}
	ready, err := c.ensureHeader()
	if err != nil || !ready {
		c.dropBeforeHeader(unit)
		return err
	}
	if !c.sawKeyFrame {
		if !unit.IsKeyFrame && !h264.IsKeyFrame(unit.Data) {
			c.logger.Debug("Waiting for key frame", "pts", unit.PTS)
			return nil
		}
		c.sawKeyFrame = true
	}
	if err := c.muxer.WriteVideo(unit); err != nil {
		return err
	}
	c.sink.videoUnits.Add(1)
	return c.out.Flush()
}

func (c *connection) writeAudio(unit streamer.EncodedUnit) error {
	if unit.IsConfig {
		return nil
	}
	ready, err := c.ensureHeader()
	if err != nil || !ready {
		c.dropBeforeHeader(unit)
		return err
	}
	if err := c.muxer.WriteAudio(unit); err != nil {
		return err
	}
	c.sink.audioUnits.Add(1)
	return c.out.Flush()
}

func (c *connection) dropBeforeHeader(unit streamer.EncodedUnit) {
	c.dropped++
	if c.dropped == 1 || c.dropped%100 == 0 {
		c.logger.Warn("Dropping unit, no parameter sets yet", "kind", unit.Kind, "dropped", c.dropped)
	}
}

// ensureHeader writes the container header once the parameter sets are known.
func (c *connection) ensureHeader() (bool, error) {
	if c.headerWritten {
		return true, nil
	}
	sps, pps := c.sink.pipeline.ParameterSets()
	if sps == nil {
		return false, nil
	}

	params := c.sink.currentParams()
	params.SPS, params.PPS = sps, pps
	if params.Width == 0 || params.Height == 0 {
		if w, h, err := h264.Resolution(sps); err == nil {
			params.Width, params.Height = w, h
		}
	}

	c.tap.start()
	err := c.muxer.WriteHeader(params)
	if err == nil {
		err = c.out.Flush()
	}
	header := c.tap.stop()
	if err != nil {
		return false, err
	}
	if hs, ok := c.transport.(headerSetter); ok {
		hs.SetHeader(header)
	}

	c.headerWritten = true
	c.logger.Info("Container header written",
		"width", params.Width, "height", params.Height,
		"sample_rate", params.SampleRate, "channels", params.ChannelCount,
		"size", len(header))
	return true, nil
}

func (c *connection) close() {
	if c.headerWritten {
		if err := c.muxer.Close(); err != nil {
			c.logger.Warn("Muxer close failed", "error", err)
		}
		if err := c.out.Flush(); err != nil {
			c.logger.Debug("Final flush failed", "error", err)
		}
	}
	if err := c.transport.Close(); err != nil {
		c.logger.Debug("Transport close failed", "error", err)
	}
	c.logger.Info("Sink connection closed",
		"video_units", c.sink.videoUnits.Load(),
		"audio_units", c.sink.audioUnits.Load(),
		"bytes", c.sink.bytes.Load())
}

// headerTap records what passes through while capturing.
type headerTap struct {
	w         *countingWriter
	capturing bool
	buf       bytes.Buffer
}

func (t *headerTap) Write(p []byte) (int, error) {
	if t.capturing {
		t.buf.Write(p)
	}
	return t.w.Write(p)
}

func (t *headerTap) start() {
	t.buf.Reset()
	t.capturing = true
}

func (t *headerTap) stop() []byte {
	t.capturing = false
	return append([]byte(nil), t.buf.Bytes()...)
}

type countingWriter struct {
	w transport
	n *atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}
