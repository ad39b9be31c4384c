package audio

import (
	"math"
	"sync/atomic"
	"time"
)

const (
	// ExpectedFramesPerMinute is the frame count of one minute of 20ms frames.
	ExpectedFramesPerMinute = int((time.Minute) / (20 * time.Millisecond))

	// TrackSwitchTolerance is the longest gap between two tracks that still
	// counts as continuous playback.
	TrackSwitchTolerance = 100 * time.Millisecond

	unset = math.MaxInt64
)

type bucket struct {
	minute  atomic.Int64
	success atomic.Int64
	loss    atomic.Int64
}

// LossCounter counts frames delivered and frames dropped per wall-clock
// minute. The send path only touches atomics.
type LossCounter struct {
	now func() time.Time

	// buckets[m%2] holds minute m
	buckets [2]bucket

	playingSince     atomic.Int64
	lastTrackStarted atomic.Int64
	lastTrackEnded   atomic.Int64
}

// NewLossCounter creates a counter reading time from now, or time.Now if nil.
func NewLossCounter(now func() time.Time) *LossCounter {
	if now == nil {
		now = time.Now
	}
	c := &LossCounter{now: now}
	c.buckets[0].minute.Store(-1)
	c.buckets[1].minute.Store(-1)
	c.playingSince.Store(unset)
	c.lastTrackStarted.Store(unset / 2)
	c.lastTrackEnded.Store(unset)
	return c
}

func (c *LossCounter) nowMillis() int64 {
	return c.now().UnixMilli()
}

func (c *LossCounter) current() *bucket {
	minute := c.nowMillis() / time.Minute.Milliseconds()
	b := &c.buckets[minute%2]
	if old := b.minute.Load(); old != minute {
		if b.minute.CompareAndSwap(old, minute) {
			b.success.Store(0)
			b.loss.Store(0)
		}
	}
	return b
}

func (c *LossCounter) previous() *bucket {
	minute := c.nowMillis()/time.Minute.Milliseconds() - 1
	b := &c.buckets[minute%2]
	if b.minute.Load() != minute {
		return nil
	}
	return b
}

// OnSuccess records a delivered frame.
func (c *LossCounter) OnSuccess() { c.current().success.Add(1) }

// OnLoss records a frame that could not be produced in time.
func (c *LossCounter) OnLoss() { c.current().loss.Add(1) }

// LastMinuteSuccess is the delivered count of the last completed minute.
func (c *LossCounter) LastMinuteSuccess() int {
	if b := c.previous(); b != nil {
		return int(b.success.Load())
	}
	return 0
}

// LastMinuteLoss is the dropped count of the last completed minute.
func (c *LossCounter) LastMinuteLoss() int {
	if b := c.previous(); b != nil {
		return int(b.loss.Load())
	}
	return 0
}

// OnTrackStart marks the start of a track. A start shortly after the
// previous track ended continues the current playback period.
func (c *LossCounter) OnTrackStart() {
	now := c.nowMillis()
	c.lastTrackStarted.Store(now)

	if c.playingSince.Load() == unset || now-c.lastTrackEnded.Load() > TrackSwitchTolerance.Milliseconds() {
		c.playingSince.Store(now)
		c.lastTrackEnded.Store(unset)
	}
}

// OnTrackEnd marks the end of a track.
func (c *LossCounter) OnTrackEnd() {
	c.lastTrackEnded.Store(c.nowMillis())
}

// IsDataUsable reports whether playback covered the whole last completed
// minute without a gap, so the last minute counts are meaningful.
func (c *LossCounter) IsDataUsable() bool {
	started := c.lastTrackStarted.Load()
	ended := c.lastTrackEnded.Load()
	if ended != unset && started-ended > TrackSwitchTolerance.Milliseconds() {
		return false
	}
	if ended != unset && ended > started {
		// stopped and not restarted
		return false
	}

	lastMinuteStart := (c.nowMillis()/time.Minute.Milliseconds() - 1) * time.Minute.Milliseconds()
	return c.playingSince.Load() < lastMinuteStart
}
