package soft

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox-streamer/internal/streamer"
)

var (
	ErrReleased   = errors.New("codec released")
	ErrNotRunning = errors.New("codec not running")
)

// outputQueueSize bounds the encoded units waiting for a drain pump. When it
// is full new units are dropped, like a hardware encoder running out of
// output buffers.
const outputQueueSize = 32

type codecState int

const (
	stateUninitialized codecState = iota
	stateConfigured
	stateRunning
	stateReleased
)

func (s codecState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateConfigured:
		return "configured"
	case stateRunning:
		return "running"
	default:
		return "released"
	}
}

// codec is the output side shared by the soft encoders: a bounded queue of
// output events and the buffers they point at.
type codec struct {
	name   string
	logger *slog.Logger

	mu        sync.Mutex
	state     codecState
	format    *streamer.MediaFormat
	outFormat *streamer.MediaFormat
	outputs   chan streamer.Output
	buffers   map[int][]byte
	nextIndex int
	dropped   int
}

func newCodec(name string, logger *slog.Logger) *codec {
	return &codec{
		name:    name,
		logger:  logger.With("codec", name),
		outputs: make(chan streamer.Output, outputQueueSize),
		buffers: make(map[int][]byte),
	}
}

func (c *codec) Name() string { return c.name }

// configure records format. Caller holds c.mu.
func (c *codec) configure(format *streamer.MediaFormat) error {
	switch c.state {
	case stateReleased:
		return ErrReleased
	case stateRunning:
		return errors.New("configure while running")
	}
	f := *format
	c.format = &f
	c.state = stateConfigured
	return nil
}

// start moves to running and queues the format change. Caller holds c.mu.
func (c *codec) start(outFormat *streamer.MediaFormat) error {
	switch c.state {
	case stateReleased:
		return ErrReleased
	case stateUninitialized:
		return errors.New("start before configure")
	case stateRunning:
		return nil
	}
	c.state = stateRunning
	c.outFormat = outFormat
	c.push(streamer.Output{Status: streamer.OutputFormatChanged, Format: outFormat})
	c.logger.Debug("Codec started", "format", outFormat)
	return nil
}

func (c *codec) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateReleased {
		return ErrReleased
	}
	if c.state == stateRunning {
		c.state = stateConfigured
	}
	c.flush()
	return nil
}

func (c *codec) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateReleased {
		return ErrReleased
	}
	c.state = stateUninitialized
	c.format, c.outFormat = nil, nil
	c.flush()
	return nil
}

func (c *codec) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateReleased {
		return nil
	}
	c.state = stateReleased
	c.flush()
	if c.dropped > 0 {
		c.logger.Info("Codec released", "dropped_units", c.dropped)
	}
	return nil
}

// flush discards queued output. Caller holds c.mu.
func (c *codec) flush() {
	for {
		select {
		case <-c.outputs:
		default:
			clear(c.buffers)
			return
		}
	}
}

// emit queues one encoded unit. Caller holds c.mu.
func (c *codec) emit(data []byte, ptsUs int64, flags int) {
	index := c.nextIndex
	c.nextIndex++
	out := streamer.Output{
		Status: streamer.OutputUnitReady,
		Index:  index,
		Info: streamer.BufferInfo{
			Size:               len(data),
			PresentationTimeUs: ptsUs,
			Flags:              flags,
		},
	}
	c.buffers[index] = data
	if !c.push(out) {
		delete(c.buffers, index)
	}
}

// push never blocks. Caller holds c.mu.
func (c *codec) push(out streamer.Output) bool {
	select {
	case c.outputs <- out:
		return true
	default:
		c.dropped++
		if c.dropped == 1 || c.dropped%100 == 0 {
			c.logger.Warn("Output queue full, dropping", "status", out.Status, "dropped", c.dropped)
		}
		return false
	}
}

func (c *codec) PollOutput(timeout time.Duration) (streamer.Output, error) {
	c.mu.Lock()
	released := c.state == stateReleased
	c.mu.Unlock()
	if released {
		return streamer.Output{}, ErrReleased
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-c.outputs:
		return out, nil
	case <-timer.C:
		return streamer.Output{Status: streamer.OutputTryAgain}, nil
	}
}

func (c *codec) OutputBuffer(index int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.buffers[index]
	if !ok {
		return nil, errors.Errorf("no output buffer %d", index)
	}
	return buf, nil
}

func (c *codec) ReleaseOutput(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.buffers[index]; !ok {
		return errors.Errorf("output buffer %d not dequeued", index)
	}
	delete(c.buffers, index)
	return nil
}

func (c *codec) OutputFormat() *streamer.MediaFormat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outFormat
}
