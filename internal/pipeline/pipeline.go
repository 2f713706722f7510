package pipeline

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/babelcloud/gbox-streamer/internal/streamer"
	"github.com/babelcloud/gbox-streamer/internal/util"
)

// Pipeline fans encoded units out to subscribers. A subscriber whose queue is
// full misses the unit; publishers never block.
type Pipeline struct {
	mu     sync.RWMutex
	sps    []byte
	pps    []byte
	closed bool

	videoSubs map[string]chan streamer.EncodedUnit
	audioSubs map[string]chan streamer.EncodedUnit

	dropped atomic.Int64
	logger  *slog.Logger
}

// NewPipeline creates a new pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{
		videoSubs: make(map[string]chan streamer.EncodedUnit),
		audioSubs: make(map[string]chan streamer.EncodedUnit),
		logger:    util.GetLogger().With("component", "pipeline"),
	}
}

// CacheParameterSets stores copies of the current SPS and PPS.
func (p *Pipeline) CacheParameterSets(sps, pps []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sps = append([]byte(nil), sps...)
	p.pps = append([]byte(nil), pps...)
	p.logger.Debug("Parameter sets cached", "sps_size", len(sps), "pps_size", len(pps))
}

// ParameterSets returns the cached SPS and PPS, or nils if none are cached.
func (p *Pipeline) ParameterSets() (sps, pps []byte) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.sps) == 0 || len(p.pps) == 0 {
		return nil, nil
	}
	return p.sps, p.pps
}

// SubscribeVideo adds a video subscriber.
func (p *Pipeline) SubscribeVideo(id string, bufferSize int) <-chan streamer.EncodedUnit {
	return p.subscribe(p.videoSubs, streamer.KindVideo, id, bufferSize)
}

// SubscribeAudio adds an audio subscriber.
func (p *Pipeline) SubscribeAudio(id string, bufferSize int) <-chan streamer.EncodedUnit {
	return p.subscribe(p.audioSubs, streamer.KindAudio, id, bufferSize)
}

func (p *Pipeline) subscribe(subs map[string]chan streamer.EncodedUnit, kind streamer.StreamKind, id string, bufferSize int) <-chan streamer.EncodedUnit {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan streamer.EncodedUnit, bufferSize)
	if p.closed {
		close(ch)
		return ch
	}
	if old, exists := subs[id]; exists {
		close(old)
	}
	subs[id] = ch
	p.logger.Debug("Subscriber added", "kind", kind, "id", id, "total", len(subs))
	return ch
}

// UnsubscribeVideo removes a video subscriber and closes its channel.
func (p *Pipeline) UnsubscribeVideo(id string) {
	p.unsubscribe(p.videoSubs, streamer.KindVideo, id)
}

// UnsubscribeAudio removes an audio subscriber and closes its channel.
func (p *Pipeline) UnsubscribeAudio(id string) {
	p.unsubscribe(p.audioSubs, streamer.KindAudio, id)
}

func (p *Pipeline) unsubscribe(subs map[string]chan streamer.EncodedUnit, kind streamer.StreamKind, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ch, exists := subs[id]; exists {
		close(ch)
		delete(subs, id)
		p.logger.Debug("Subscriber removed", "kind", kind, "id", id, "total", len(subs))
	}
}

// PublishVideo hands a video unit to every video subscriber.
func (p *Pipeline) PublishVideo(unit streamer.EncodedUnit) {
	p.publish(p.videoSubs, unit)
}

// PublishAudio hands an audio unit to every audio subscriber.
func (p *Pipeline) PublishAudio(unit streamer.EncodedUnit) {
	p.publish(p.audioSubs, unit)
}

func (p *Pipeline) publish(subs map[string]chan streamer.EncodedUnit, unit streamer.EncodedUnit) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for id, ch := range subs {
		select {
		case ch <- unit:
		default:
			if p.dropped.Add(1)%100 == 1 {
				p.logger.Warn("Subscriber queue full, dropping unit", "kind", unit.Kind, "subscriber", id, "dropped", p.dropped.Load())
			}
		}
	}
}

// Dropped returns how many deliveries were skipped because a queue was full.
func (p *Pipeline) Dropped() int64 {
	return p.dropped.Load()
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.videoSubs {
		close(ch)
		delete(p.videoSubs, id)
	}
	for id, ch := range p.audioSubs {
		close(ch)
		delete(p.audioSubs, id)
	}
}
