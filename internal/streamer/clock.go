package streamer

import "time"

// Clock supplies monotonic microsecond timestamps on the same time base the
// codec devices stamp their output with.
type Clock interface {
	NowMicros() int64
}

var clockEpoch = time.Now().Add(-time.Second)

// MonotonicClock counts microseconds on the process monotonic clock. Values
// are always positive.
type MonotonicClock struct{}

func (MonotonicClock) NowMicros() int64 {
	return time.Since(clockEpoch).Microseconds()
}

// NowMicros reads the default MonotonicClock.
func NowMicros() int64 {
	return MonotonicClock{}.NowMicros()
}
