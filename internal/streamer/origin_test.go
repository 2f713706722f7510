package streamer

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOriginOffer(t *testing.T) {
	o := NewTimestampOrigin()

	_, ok := o.Value()
	assert.False(t, ok)
	assert.Equal(t, int64(0), o.Rebase(12345))

	assert.False(t, o.Offer(0))
	assert.False(t, o.Offer(-10))
	_, ok = o.Value()
	assert.False(t, ok)

	assert.True(t, o.Offer(3000))
	assert.False(t, o.Offer(5000))
	assert.False(t, o.Offer(1))

	v, ok := o.Value()
	require.True(t, ok)
	assert.Equal(t, int64(3000), v)

	o.Reset()
	_, ok = o.Value()
	assert.False(t, ok)
}

func TestOriginRebase(t *testing.T) {
	o := NewTimestampOrigin()
	o.Offer(3000)

	assert.Equal(t, int64(0), o.Rebase(3000))
	assert.Equal(t, int64(2000), o.Rebase(5000))
	assert.Equal(t, int64(1_000_000), o.Rebase(1_003_000))
	// Units older than the origin are clamped.
	assert.Equal(t, int64(0), o.Rebase(2500))
}

func TestOriginConcurrentOffers(t *testing.T) {
	for round := 0; round < 50; round++ {
		o := NewTimestampOrigin()
		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})

		for i := 1; i <= 16; i++ {
			wg.Add(1)
			go func(pts int64) {
				defer wg.Done()
				<-start
				if o.Offer(pts) {
					wins.Add(1)
				}
			}(int64(i * 1000))
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		v, ok := o.Value()
		require.True(t, ok)
		assert.True(t, v >= 1000 && v <= 16000 && v%1000 == 0)
	}
}
