package balancer

import (
	"math"
	"time"

	"github.com/meftunca/voxlink/pkg/protocol"
)

// NoFrameData marks frame averages that a node has not collected yet.
const NoFrameData = -1

// ExpectedFramesPerMinute is one 20ms frame every 20ms for a minute.
const ExpectedFramesPerMinute = 3000

// HealthSnapshot is the latest health report of a node. Snapshots are never
// mutated after creation; a new report replaces the whole value.
type HealthSnapshot struct {
	PlayingPlayers int
	CPULoad        float64
	DeficitAvg     int
	NulledAvg      int
	Uptime         time.Duration
	MemoryUsed     uint64
}

// SnapshotFromStats converts a stats report into a snapshot.
func SnapshotFromStats(s *protocol.Stats) *HealthSnapshot {
	if s == nil {
		return nil
	}
	snap := &HealthSnapshot{
		PlayingPlayers: s.PlayingPlayers,
		CPULoad:        s.CPU.SystemLoad,
		DeficitAvg:     NoFrameData,
		NulledAvg:      NoFrameData,
		Uptime:         time.Duration(s.Uptime) * time.Millisecond,
		MemoryUsed:     s.Memory.Used,
	}
	if s.FrameStats != nil {
		snap.DeficitAvg = s.FrameStats.Deficit
		snap.NulledAvg = s.FrameStats.Nulled
	}
	return snap
}

// Penalties are the components of a node's load score. Lower is better.
type Penalties struct {
	Player       int `json:"player"`
	CPU          int `json:"cpu"`
	DeficitFrame int `json:"deficitFrame"`
	NullFrame    int `json:"nullFrame"`
}

// Total is the score the balancer compares.
func (p Penalties) Total() int {
	return p.Player + p.CPU + p.DeficitFrame + p.NullFrame
}

// Score computes the penalties for a snapshot. A nil snapshot scores zero so
// that fresh nodes attract sessions before their first report.
func Score(s *HealthSnapshot) Penalties {
	var p Penalties
	if s == nil {
		return p
	}

	p.Player = max(s.PlayingPlayers, 0)
	p.CPU = int(math.Round(math.Pow(1.05, 100*math.Max(s.CPULoad, 0))*10)) - 10

	if s.DeficitAvg == NoFrameData {
		return p
	}
	p.DeficitFrame = frameCurve(s.DeficitAvg)
	p.NullFrame = 2 * frameCurve(s.NulledAvg)
	return p
}

// frameCurve grows slowly up to a few hundred lost frames per minute and
// steeply after that.
func frameCurve(frames int) int {
	f := float64(max(frames, 0))
	return int(math.Round(math.Pow(1.02, 200*f/ExpectedFramesPerMinute)*300)) - 300
}
