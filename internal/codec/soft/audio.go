package soft

import (
	"log/slog"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox-streamer/internal/streamer"
)

const (
	inputSlotCount = 4
	// aacFrameSamples is the number of samples per channel in one AAC-LC frame.
	aacFrameSamples   = 1024
	pcmBytesPerSample = 2
)

// Raw AAC-LC frames that decode to silence.
var (
	silentFrameMono   = []byte{0x21, 0x10, 0x04, 0x60, 0x8c, 0x1c}
	silentFrameStereo = []byte{0x21, 0x00, 0x49, 0x90, 0x02, 0x19, 0x00, 0x23, 0x80}
)

// AudioEncoder accepts 16-bit PCM through a fixed pool of input slots and
// emits one raw AAC-LC frame per 1024 samples per channel. The frames carry
// silence: only their timing follows the input.
type AudioEncoder struct {
	*codec

	free       chan int
	slots      [][]byte
	frameBytes int
	frame      []byte
	frameUs    float64

	pending  int
	framePTS float64
}

func NewAudioEncoder(name string, logger *slog.Logger) *AudioEncoder {
	return &AudioEncoder{codec: newCodec(name, logger)}
}

func (e *AudioEncoder) Configure(format *streamer.MediaFormat) error {
	if format == nil || format.Mime != streamer.MimeAudioAAC {
		return errors.Errorf("%s cannot encode %v", e.name, format)
	}
	if format.SampleRate <= 0 {
		return errors.Errorf("invalid sample rate %d", format.SampleRate)
	}
	var frame []byte
	switch format.ChannelCount {
	case 1:
		frame = silentFrameMono
	case 2:
		frame = silentFrameStereo
	default:
		return errors.Errorf("unsupported channel count %d", format.ChannelCount)
	}
	if format.AACProfile != 0 && format.AACProfile != streamer.AACObjectLC {
		return errors.Errorf("unsupported AAC profile %d", format.AACProfile)
	}
	slotSize := format.MaxInputSize
	if slotSize <= 0 {
		slotSize = 2048 * format.ChannelCount
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.configure(format); err != nil {
		return err
	}
	e.slots = make([][]byte, inputSlotCount)
	for i := range e.slots {
		e.slots[i] = make([]byte, slotSize)
	}
	e.frame = frame
	e.frameBytes = aacFrameSamples * format.ChannelCount * pcmBytesPerSample
	e.frameUs = float64(aacFrameSamples) * 1e6 / float64(format.SampleRate)
	e.resetInput()
	return nil
}

// resetInput returns every slot to the pool. Caller holds e.mu.
func (e *AudioEncoder) resetInput() {
	e.free = make(chan int, len(e.slots))
	for i := range e.slots {
		e.free <- i
	}
	e.pending = 0
}

func (e *AudioEncoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateConfigured {
		return e.start(nil)
	}

	asc := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   e.format.SampleRate,
		ChannelCount: e.format.ChannelCount,
	}
	csd, err := asc.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal AudioSpecificConfig")
	}
	e.resetInput()
	return e.start(&streamer.MediaFormat{
		Mime:         streamer.MimeAudioAAC,
		SampleRate:   e.format.SampleRate,
		ChannelCount: e.format.ChannelCount,
		CSD0:         csd,
	})
}

func (e *AudioEncoder) Stop() error {
	if err := e.codec.Stop(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.slots != nil {
		e.resetInput()
	}
	return nil
}

func (e *AudioEncoder) AcquireInputSlot(timeout time.Duration) (streamer.InputSlot, bool, error) {
	e.mu.Lock()
	state, free := e.state, e.free
	e.mu.Unlock()
	if state == stateReleased {
		return streamer.InputSlot{}, false, ErrReleased
	}
	if state != stateRunning {
		return streamer.InputSlot{}, false, ErrNotRunning
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case i := <-free:
		return streamer.InputSlot{Index: i, Buf: e.slots[i]}, true, nil
	case <-timer.C:
		return streamer.InputSlot{}, false, nil
	}
}

// QueueInput encodes size bytes of slot. The first sample of every frame
// takes its timestamp from the input that started it; following frames of
// the same run advance by one frame duration.
func (e *AudioEncoder) QueueInput(slot streamer.InputSlot, size int, ptsUs int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateRunning {
		return ErrNotRunning
	}
	if slot.Index < 0 || slot.Index >= len(e.slots) {
		return errors.Errorf("invalid input slot %d", slot.Index)
	}
	if size < 0 || size > len(e.slots[slot.Index]) {
		return errors.Errorf("input size %d exceeds slot of %d bytes", size, len(e.slots[slot.Index]))
	}

	if e.pending == 0 {
		e.framePTS = float64(ptsUs)
	}
	e.pending += size
	for e.pending >= e.frameBytes {
		e.emit(e.frame, int64(e.framePTS), 0)
		e.pending -= e.frameBytes
		e.framePTS += e.frameUs
	}

	select {
	case e.free <- slot.Index:
	default:
		return errors.Errorf("input slot %d queued twice", slot.Index)
	}
	return nil
}
