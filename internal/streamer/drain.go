package streamer

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

// drainPump moves encoded units from one codec device to the sink, rebasing
// their timestamps onto the shared origin. The video and audio drain pumps
// are two instances of it.
type drainPump struct {
	kind        StreamKind
	codec       CodecDevice
	origin      *TimestampOrigin
	send        func(EncodedUnit) error
	onFormat    func(*MediaFormat)
	pollTimeout time.Duration
	logger      *slog.Logger
}

// run loops until ctx is cancelled or the device reports something it cannot
// handle. Cancellation is only observed between polls.
func (p *drainPump) run(ctx context.Context) error {
	p.logger.Info("Drain pump started", "kind", p.kind, "codec", p.codec.Name())
	defer p.logger.Info("Drain pump stopped", "kind", p.kind)

	var forwarded int
	for ctx.Err() == nil {
		out, err := p.codec.PollOutput(p.pollTimeout)
		if err != nil {
			return errors.Wrapf(ErrPumpFatal, "%s output poll: %v", p.kind, err)
		}

		switch out.Status {
		case OutputUnitReady:
			if err := p.drain(out); err != nil {
				return err
			}
			forwarded++
			if forwarded%300 == 0 {
				p.logger.Debug("Drain pump progress", "kind", p.kind, "units", forwarded)
			}
		case OutputFormatChanged:
			format := out.Format
			if format == nil {
				format = p.codec.OutputFormat()
			}
			p.logger.Info("Output format changed", "kind", p.kind, "format", format)
			if p.onFormat != nil {
				p.onFormat(format)
			}
		case OutputTryAgain, OutputBuffersChanged:
		default:
			return errors.Wrapf(ErrPumpFatal, "%s output poll returned %s", p.kind, out.Status)
		}
	}
	return nil
}

func (p *drainPump) drain(out Output) error {
	buf, err := p.codec.OutputBuffer(out.Index)
	if err != nil {
		return errors.Wrapf(ErrPumpFatal, "%s output buffer %d: %v", p.kind, out.Index, err)
	}
	info := out.Info
	if info.Offset < 0 || info.Size < 0 || info.Offset+info.Size > len(buf) {
		return errors.Wrapf(ErrPumpFatal, "%s output buffer %d: range [%d,%d) exceeds %d bytes",
			p.kind, out.Index, info.Offset, info.Offset+info.Size, len(buf))
	}

	if p.origin.Offer(info.PresentationTimeUs) {
		p.logger.Info("Timestamp origin established", "kind", p.kind, "origin_us", info.PresentationTimeUs)
	}

	unit := EncodedUnit{
		Kind:       p.kind,
		Data:       buf[info.Offset : info.Offset+info.Size],
		PTS:        p.origin.Rebase(info.PresentationTimeUs),
		IsKeyFrame: info.Flags&BufferFlagKeyFrame != 0,
		IsConfig:   info.Flags&BufferFlagCodecConfig != 0,
	}
	if err := p.send(unit); err != nil {
		p.logger.Warn("Sink rejected unit", "kind", p.kind, "pts", unit.PTS, "error", err)
	}

	if err := p.codec.ReleaseOutput(out.Index); err != nil {
		return errors.Wrapf(ErrPumpFatal, "%s release output %d: %v", p.kind, out.Index, err)
	}
	return nil
}
