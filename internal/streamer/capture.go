package streamer

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/pkg/errors"
)

// capturePump reads PCM from the capture device straight into audio encoder
// input slots and stamps each slot from the number of samples accepted so far.
type capturePump struct {
	encoder     AudioEncoder
	capture     CaptureDevice
	params      CaptureParams
	clock       Clock
	pollTimeout time.Duration
	logger      *slog.Logger
}

// run keeps the goroutine on its own OS thread so the blocking read never
// shares a thread with the drain pumps.
func (p *capturePump) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	p.logger.Info("Capture pump started", "sample_rate", p.params.SampleRate, "channels", p.params.ChannelCount)
	defer p.logger.Info("Capture pump stopped")

	ts := newSampleClock(p.clock.NowMicros(), p.params)
	for ctx.Err() == nil {
		slot, ok, err := p.encoder.AcquireInputSlot(p.pollTimeout)
		if err != nil {
			return errors.Wrapf(ErrPumpFatal, "audio input slot: %v", err)
		}
		if !ok {
			p.logger.Warn("Audio input buffer is not available")
			continue
		}

		n, err := p.capture.Read(slot.Buf)
		if err != nil {
			return errors.Wrapf(ErrCaptureFailure, "read: %v", err)
		}

		if err := p.encoder.QueueInput(slot, n, ts.next(n)); err != nil {
			return errors.Wrapf(ErrPumpFatal, "queue audio input %d: %v", slot.Index, err)
		}
	}
	return nil
}

// sampleClock derives presentation timestamps from a sample count rather than
// the wall clock, so scheduling jitter never reaches the timeline.
type sampleClock struct {
	startUs int64
	samples int64
	params  CaptureParams
}

func newSampleClock(startUs int64, params CaptureParams) *sampleClock {
	return &sampleClock{startUs: startUs, params: params}
}

// next returns the timestamp of a buffer of n bytes and then counts its samples.
func (c *sampleClock) next(n int) int64 {
	pts := c.startUs + 1_000_000*c.samples/int64(c.params.SampleRate)
	c.samples += int64(n / c.params.ChannelCount / c.params.Format.BytesPerSample())
	return pts
}
