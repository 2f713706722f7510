package streamer

import "log/slog"

// Sink packages and transports encoded units. SendVideo and SendAudio are
// called from two different goroutines and must be safe for that.
type Sink interface {
	SetVideoResolution(width, height int)
	SetAudioParameters(sampleRate int, stereo bool)
	// Start begins establishing the transport and returns without waiting
	// for it. Progress is reported through the ConnectionObserver.
	Start(destination string)
	SendVideo(unit EncodedUnit) error
	SendAudio(unit EncodedUnit) error
	SetParameterSets(sps, pps []byte)
	// Stop tears the transport down.
	Stop()
}

// SinkFactory builds a Sink that reports to observer.
type SinkFactory func(observer ConnectionObserver) Sink

// ConnectionObserver receives transport status notifications. The pipeline
// never acts on them.
type ConnectionObserver interface {
	OnConnected()
	OnConnectFailed(reason string)
	OnDisconnected()
	OnAuthError()
	OnAuthSuccess()
}

// LogObserver logs every notification.
type LogObserver struct {
	Logger *slog.Logger
}

func (o LogObserver) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o LogObserver) OnConnected() { o.logger().Info("Sink connected") }

func (o LogObserver) OnConnectFailed(reason string) {
	o.logger().Warn("Sink connection failed", "reason", reason)
}

func (o LogObserver) OnDisconnected() { o.logger().Info("Sink disconnected") }

func (o LogObserver) OnAuthError() { o.logger().Warn("Sink authentication failed") }

func (o LogObserver) OnAuthSuccess() { o.logger().Info("Sink authenticated") }
