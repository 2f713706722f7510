package streamer

import (
	"fmt"
	"sync"
	"time"
)

// fakeCodec is a scripted codec device. Units pushed with emit are handed out
// by PollOutput in order; an empty queue polls as OutputTryAgain.
type fakeCodec struct {
	name    string
	outputs chan Output

	mu           sync.Mutex
	buffers      map[int][]byte
	released     []int
	formats      []*MediaFormat
	calls        map[string]int
	configureErr error
	pollErr      error
}

func newFakeCodec(name string) *fakeCodec {
	return &fakeCodec{
		name:    name,
		outputs: make(chan Output, 64),
		buffers: make(map[int][]byte),
		calls:   make(map[string]int),
	}
}

func (c *fakeCodec) Name() string { return c.name }

func (c *fakeCodec) Configure(format *MediaFormat) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["configure"]++
	c.formats = append(c.formats, format)
	return c.configureErr
}

func (c *fakeCodec) Start() error   { return c.record("start") }
func (c *fakeCodec) Stop() error    { return c.record("stop") }
func (c *fakeCodec) Reset() error   { return c.record("reset") }
func (c *fakeCodec) Release() error { return c.record("release") }

func (c *fakeCodec) record(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[call]++
	return nil
}

func (c *fakeCodec) PollOutput(timeout time.Duration) (Output, error) {
	c.mu.Lock()
	err := c.pollErr
	c.mu.Unlock()
	if err != nil {
		return Output{}, err
	}
	select {
	case out := <-c.outputs:
		return out, nil
	case <-time.After(timeout):
		return Output{Status: OutputTryAgain}, nil
	}
}

func (c *fakeCodec) OutputBuffer(index int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.buffers[index]
	if !ok {
		return nil, fmt.Errorf("no output buffer %d", index)
	}
	return buf, nil
}

func (c *fakeCodec) ReleaseOutput(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, index)
	return nil
}

func (c *fakeCodec) OutputFormat() *MediaFormat { return nil }

func (c *fakeCodec) emit(index int, data []byte, pts int64, flags int) {
	c.mu.Lock()
	c.buffers[index] = data
	c.mu.Unlock()
	c.outputs <- Output{
		Status: OutputUnitReady,
		Index:  index,
		Info:   BufferInfo{Size: len(data), PresentationTimeUs: pts, Flags: flags},
	}
}

func (c *fakeCodec) count(call string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[call]
}

func (c *fakeCodec) setPollErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollErr = err
}

type fakeSurface struct {
	mu       sync.Mutex
	released bool
}

func (s *fakeSurface) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	return nil
}

func (s *fakeSurface) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type fakeVideoEncoder struct {
	*fakeCodec
	surfaces []*fakeSurface
}

func (e *fakeVideoEncoder) CreateInputSurface() (Surface, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &fakeSurface{}
	e.surfaces = append(e.surfaces, s)
	return s, nil
}

type queuedInput struct {
	size int
	pts  int64
}

type fakeAudioEncoder struct {
	*fakeCodec
	queued []queuedInput
}

func (e *fakeAudioEncoder) AcquireInputSlot(timeout time.Duration) (InputSlot, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	size := 4096
	if n := len(e.formats); n > 0 && e.formats[n-1].MaxInputSize > 0 {
		size = e.formats[n-1].MaxInputSize
	}
	return InputSlot{Index: len(e.queued), Buf: make([]byte, size)}, true, nil
}

func (e *fakeAudioEncoder) QueueInput(slot InputSlot, size int, ptsUs int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queued = append(e.queued, queuedInput{size: size, pts: ptsUs})
	return nil
}

func (e *fakeAudioEncoder) inputs() []queuedInput {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]queuedInput(nil), e.queued...)
}

type fakeFactory struct {
	mu           sync.Mutex
	video        *fakeVideoEncoder
	audio        *fakeAudioEncoder
	noAudio      bool
	videoCreated int
	audioCreated int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		video: &fakeVideoEncoder{fakeCodec: newFakeCodec("fake.avc")},
		audio: &fakeAudioEncoder{fakeCodec: newFakeCodec("fake.aac")},
	}
}

func (f *fakeFactory) FindEncoderForMime(mime string) (string, bool) {
	switch mime {
	case MimeVideoAVC:
		return f.video.name, true
	case MimeAudioAAC:
		return f.audio.name, !f.noAudio
	}
	return "", false
}

func (f *fakeFactory) CreateVideoEncoder(name string) (VideoEncoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videoCreated++
	return f.video, nil
}

func (f *fakeFactory) CreateAudioEncoder(name string) (AudioEncoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioCreated++
	return f.audio, nil
}

// fakeCapture fills every read completely. Once failAfter reads have
// succeeded it returns readErr instead.
type fakeCapture struct {
	mu        sync.Mutex
	reads     int
	failAfter int
	readErr   error
	calls     map[string]int
}

func (c *fakeCapture) StartRecording() error { return c.record("start") }
func (c *fakeCapture) Stop() error           { return c.record("stop") }
func (c *fakeCapture) Release() error        { return c.record("release") }

func (c *fakeCapture) record(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[call]++
	return nil
}

func (c *fakeCapture) Read(p []byte) (int, error) {
	time.Sleep(time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil && c.reads >= c.failAfter {
		return 0, c.readErr
	}
	c.reads++
	return len(p), nil
}

func (c *fakeCapture) count(call string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[call]
}

type fakeCaptureDriver struct {
	capture    *fakeCapture
	openedWith int
	params     CaptureParams
}

func newFakeCaptureDriver() *fakeCaptureDriver {
	return &fakeCaptureDriver{capture: &fakeCapture{calls: make(map[string]int)}}
}

func (d *fakeCaptureDriver) MinBufferSize(params CaptureParams) (int, error) {
	return 1024, nil
}

func (d *fakeCaptureDriver) Open(params CaptureParams, bufferSize int) (CaptureDevice, error) {
	d.openedWith = bufferSize
	d.params = params
	return d.capture, nil
}

// recordingSink keeps everything the pumps hand it.
type recordingSink struct {
	mu           sync.Mutex
	width        int
	height       int
	sampleRate   int
	stereo       bool
	destinations []string
	stops        int
	video        []EncodedUnit
	audio        []EncodedUnit
	sps, pps     []byte
}

func (s *recordingSink) SetVideoResolution(width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.width, s.height = width, height
}

func (s *recordingSink) SetAudioParameters(sampleRate int, stereo bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleRate, s.stereo = sampleRate, stereo
}

func (s *recordingSink) Start(destination string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destinations = append(s.destinations, destination)
}

func (s *recordingSink) SendVideo(unit EncodedUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unit.Data = append([]byte(nil), unit.Data...)
	s.video = append(s.video, unit)
	return nil
}

func (s *recordingSink) SendAudio(unit EncodedUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unit.Data = append([]byte(nil), unit.Data...)
	s.audio = append(s.audio, unit)
	return nil
}

func (s *recordingSink) SetParameterSets(sps, pps []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sps, s.pps = sps, pps
}

func (s *recordingSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func (s *recordingSink) units(kind StreamKind) []EncodedUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == KindVideo {
		return append([]EncodedUnit(nil), s.video...)
	}
	return append([]EncodedUnit(nil), s.audio...)
}

type fixedClock int64

func (c fixedClock) NowMicros() int64 { return int64(c) }

type harness struct {
	factory *fakeFactory
	driver  *fakeCaptureDriver
	sink    *recordingSink
	session *Session
	errs    chan error
}

func newHarness() *harness {
	h := &harness{
		factory: newFakeFactory(),
		driver:  newFakeCaptureDriver(),
		sink:    &recordingSink{},
		errs:    make(chan error, 8),
	}
	s, err := NewSession(Options{
		Codecs:      h.factory,
		Capture:     h.driver,
		NewSink:     func(ConnectionObserver) Sink { return h.sink },
		PollTimeout: 2 * time.Millisecond,
		Clock:       fixedClock(1000),
		OnError:     func(err error) { h.errs <- err },
	})
	if err != nil {
		panic(err)
	}
	h.session = s
	return h
}
