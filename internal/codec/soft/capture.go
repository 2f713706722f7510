package soft

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox-streamer/internal/streamer"
)

// captureChunk is the minimum buffer a soft capture device reports.
const captureChunk = 20 * time.Millisecond

var ErrCaptureStopped = errors.New("capture not recording")

func checkParams(params streamer.CaptureParams) error {
	if params.Format != streamer.PCM16Bit {
		return errors.Errorf("unsupported sample format %s", params.Format)
	}
	if params.SampleRate <= 0 || params.ChannelCount < 1 || params.ChannelCount > 2 {
		return errors.Errorf("unsupported capture parameters %d Hz, %d channels", params.SampleRate, params.ChannelCount)
	}
	return nil
}

func minBufferSize(params streamer.CaptureParams) (int, error) {
	if err := checkParams(params); err != nil {
		return 0, err
	}
	frames := int(int64(params.SampleRate) * int64(captureChunk) / int64(time.Second))
	return frames * params.FrameBytes(), nil
}

// pacer releases samples no faster than real time.
type pacer struct {
	start   time.Time
	samples int64
	rate    int64
}

func (p *pacer) reset(rate int) {
	p.start = time.Now()
	p.samples = 0
	p.rate = int64(rate)
}

// wait blocks until n more samples per channel are due.
func (p *pacer) wait(n int) {
	p.samples += int64(n)
	due := p.start.Add(time.Duration(p.samples * int64(time.Second) / p.rate))
	if d := time.Until(due); d > 0 {
		time.Sleep(d)
	}
}

// device holds the recording state shared by the soft capture devices.
// Reads happen on the capture goroutine only; mu guards the state flags
// that Stop and Release flip from the session goroutine.
type device struct {
	params streamer.CaptureParams
	pace   pacer

	mu        sync.Mutex
	recording bool
	released  bool
}

func (d *device) StartRecording() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return errors.New("capture released")
	}
	d.recording = true
	d.pace.reset(d.params.SampleRate)
	return nil
}

func (d *device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recording = false
	return nil
}

func (d *device) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recording = false
	d.released = true
	return nil
}

// frames returns how many whole sample frames fit in p, or an error when the
// device cannot be read.
func (d *device) frames(p []byte) (int, error) {
	d.mu.Lock()
	recording := d.recording
	d.mu.Unlock()
	if !recording {
		return 0, ErrCaptureStopped
	}
	return len(p) / d.params.FrameBytes(), nil
}

// ToneDriver opens capture devices that produce a sine wave.
type ToneDriver struct {
	Frequency float64
	// Amplitude is relative to full scale, between 0 and 1.
	Amplitude float64
}

func (t ToneDriver) MinBufferSize(params streamer.CaptureParams) (int, error) {
	return minBufferSize(params)
}

func (t ToneDriver) Open(params streamer.CaptureParams, bufferSize int) (streamer.CaptureDevice, error) {
	if err := checkParams(params); err != nil {
		return nil, err
	}
	freq, amp := t.Frequency, t.Amplitude
	if freq <= 0 {
		freq = 440
	}
	if amp <= 0 || amp > 1 {
		amp = 0.25
	}
	return &toneDevice{
		device:    device{params: params},
		step:      2 * math.Pi * freq / float64(params.SampleRate),
		amplitude: amp * math.MaxInt16,
	}, nil
}

type toneDevice struct {
	device
	phase     float64
	step      float64
	amplitude float64
}

func (d *toneDevice) Read(p []byte) (int, error) {
	frames, err := d.frames(p)
	if err != nil {
		return 0, err
	}
	channels := d.params.ChannelCount
	for i := 0; i < frames; i++ {
		v := uint16(int16(d.amplitude * math.Sin(d.phase)))
		for ch := 0; ch < channels; ch++ {
			binary.LittleEndian.PutUint16(p[(i*channels+ch)*2:], v)
		}
		d.phase += d.step
		if d.phase >= 2*math.Pi {
			d.phase -= 2 * math.Pi
		}
	}
	d.pace.wait(frames)
	return frames * d.params.FrameBytes(), nil
}
