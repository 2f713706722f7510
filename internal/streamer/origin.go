package streamer

import "sync/atomic"

const originUnset int64 = -1

// TimestampOrigin is the shared zero point both drain pumps rebase onto.
// It is set at most once per Started period: the first positive timestamp
// offered by either pump wins and every later offer is a no-op.
type TimestampOrigin struct {
	v atomic.Int64
}

// NewTimestampOrigin returns an unset origin.
func NewTimestampOrigin() *TimestampOrigin {
	o := &TimestampOrigin{}
	o.v.Store(originUnset)
	return o
}

// Reset re-arms the origin. Only call it while no pump is running.
func (o *TimestampOrigin) Reset() {
	o.v.Store(originUnset)
}

// Offer tries to establish ptsUs as the origin. Non-positive timestamps are
// ignored. It reports whether this call set the origin.
func (o *TimestampOrigin) Offer(ptsUs int64) bool {
	if ptsUs <= 0 {
		return false
	}
	return o.v.CompareAndSwap(originUnset, ptsUs)
}

// Value returns the origin and whether it has been set.
func (o *TimestampOrigin) Value() (int64, bool) {
	v := o.v.Load()
	return v, v != originUnset
}

// Rebase maps a device timestamp onto the shared timeline. Units seen before
// the origin exists, and units older than the origin, map to zero.
func (o *TimestampOrigin) Rebase(ptsUs int64) int64 {
	origin, ok := o.Value()
	if !ok {
		return 0
	}
	if rebased := ptsUs - origin; rebased > 0 {
		return rebased
	}
	return 0
}
