package audio

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	now atomic.Int64 // unix millis
}

func newFakeClock(t time.Time) *fakeClock {
	c := &fakeClock{}
	c.now.Store(t.UnixMilli())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.UnixMilli(c.now.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.now.Add(d.Milliseconds()) }
func (c *fakeClock) Set(t time.Time)         { c.now.Store(t.UnixMilli()) }

var minuteZero = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestExpectedFramesPerMinute(t *testing.T) {
	assert.Equal(t, 3000, ExpectedFramesPerMinute)
}

func TestLossCounterBuckets(t *testing.T) {
	clock := newFakeClock(minuteZero.Add(10 * time.Second))
	c := NewLossCounter(clock.Now)

	assert.False(t, c.IsDataUsable())
	assert.Equal(t, 0, c.LastMinuteSuccess())

	c.OnTrackStart()
	for i := 0; i < 100; i++ {
		c.OnSuccess()
	}
	for i := 0; i < 3; i++ {
		c.OnLoss()
	}
	// the running minute is not reported
	assert.Equal(t, 0, c.LastMinuteSuccess())

	clock.Set(minuteZero.Add(65 * time.Second))
	assert.Equal(t, 100, c.LastMinuteSuccess())
	assert.Equal(t, 3, c.LastMinuteLoss())
	// playback began after minute zero started
	assert.False(t, c.IsDataUsable())

	c.OnSuccess()
	clock.Set(minuteZero.Add(125 * time.Second))
	assert.Equal(t, 1, c.LastMinuteSuccess())
	assert.Equal(t, 0, c.LastMinuteLoss())
	assert.True(t, c.IsDataUsable())

	// nothing recorded for two minutes: stale buckets are not reported
	clock.Set(minuteZero.Add(4*time.Minute + time.Second))
	assert.Equal(t, 0, c.LastMinuteSuccess())
}

func TestLossCounterTrackSwitch(t *testing.T) {
	clock := newFakeClock(minuteZero.Add(time.Second))
	c := NewLossCounter(clock.Now)

	c.OnTrackStart()
	clock.Advance(90 * time.Second)
	c.OnTrackEnd()
	clock.Advance(50 * time.Millisecond)
	c.OnTrackStart()

	clock.Set(minuteZero.Add(2*time.Minute + time.Second))
	assert.True(t, c.IsDataUsable(), "a quick switch keeps the playback period")

	c.OnTrackEnd()
	clock.Advance(time.Second)
	c.OnTrackStart()
	assert.False(t, c.IsDataUsable(), "a gap restarts the playback period")

	clock.Advance(2 * time.Minute)
	assert.True(t, c.IsDataUsable())
}

func TestLossCounterStoppedIsNotUsable(t *testing.T) {
	clock := newFakeClock(minuteZero)
	c := NewLossCounter(clock.Now)
	c.OnTrackStart()
	clock.Advance(3 * time.Minute)
	assert.True(t, c.IsDataUsable())

	c.OnTrackEnd()
	clock.Advance(time.Second)
	assert.False(t, c.IsDataUsable())
}

func TestLossCounterConcurrentWrites(t *testing.T) {
	clock := newFakeClock(minuteZero.Add(time.Second))
	c := NewLossCounter(clock.Now)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.OnSuccess()
				if j%100 == 0 {
					c.OnLoss()
				}
			}
		}()
	}
	wg.Wait()

	clock.Advance(time.Minute)
	assert.Equal(t, 8000, c.LastMinuteSuccess())
	assert.Equal(t, 80, c.LastMinuteLoss())
}
