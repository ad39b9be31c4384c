package balancer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meftunca/voxlink/pkg/protocol"
)

func TestScoreNilSnapshot(t *testing.T) {
	assert.Equal(t, Penalties{}, Score(nil))
	assert.Equal(t, 0, Score(nil).Total())
}

func TestScoreCPU(t *testing.T) {
	p := Score(&HealthSnapshot{CPULoad: 0.1, DeficitAvg: NoFrameData, NulledAvg: NoFrameData})
	assert.Equal(t, 6, p.CPU)
	assert.Equal(t, 6, p.Total())

	assert.Equal(t, 0, Score(&HealthSnapshot{DeficitAvg: NoFrameData}).CPU)
}

func TestScoreNoFrameDataIgnoresFrames(t *testing.T) {
	p := Score(&HealthSnapshot{PlayingPlayers: 3, DeficitAvg: NoFrameData, NulledAvg: 2500})
	assert.Equal(t, 0, p.DeficitFrame)
	assert.Equal(t, 0, p.NullFrame)
	assert.Equal(t, 3, p.Total())
}

func TestScoreFrames(t *testing.T) {
	p := Score(&HealthSnapshot{DeficitAvg: 150, NulledAvg: 150})
	assert.Equal(t, 66, p.DeficitFrame)
	assert.Equal(t, 132, p.NullFrame)
}

func TestNullFrameWeighsDouble(t *testing.T) {
	for _, n := range []int{0, 1, 7, 60, 150, 999, 3000} {
		p := Score(&HealthSnapshot{DeficitAvg: 0, NulledAvg: n})
		assert.Equal(t, 2*frameCurve(n), p.NullFrame, "nulled=%d", n)
	}
}

func TestScoreClampsNegativeInputs(t *testing.T) {
	p := Score(&HealthSnapshot{PlayingPlayers: -4, CPULoad: -0.5, DeficitAvg: -20, NulledAvg: -3})
	assert.Equal(t, Penalties{}, p)
}

func TestScoreMonotone(t *testing.T) {
	base := HealthSnapshot{PlayingPlayers: 2, CPULoad: 0.3, DeficitAvg: 40, NulledAvg: 10}
	prev := Score(&base).Total()

	steps := []func(*HealthSnapshot){
		func(s *HealthSnapshot) { s.PlayingPlayers++ },
		func(s *HealthSnapshot) { s.CPULoad += 0.013 },
		func(s *HealthSnapshot) { s.DeficitAvg += 17 },
		func(s *HealthSnapshot) { s.NulledAvg += 9 },
	}
	for _, step := range steps {
		s := base
		last := prev
		for i := 0; i < 50; i++ {
			step(&s)
			p := Score(&s)
			require.GreaterOrEqual(t, p.Player, 0)
			require.GreaterOrEqual(t, p.CPU, 0)
			require.GreaterOrEqual(t, p.DeficitFrame, 0)
			require.GreaterOrEqual(t, p.NullFrame, 0)
			require.GreaterOrEqual(t, p.Total(), last)
			last = p.Total()
		}
	}
}

func TestSnapshotFromStats(t *testing.T) {
	assert.Nil(t, SnapshotFromStats(nil))

	snap := SnapshotFromStats(&protocol.Stats{
		PlayingPlayers: 4,
		Uptime:         1500,
		Memory:         protocol.Memory{Used: 1024},
		CPU:            protocol.CPU{SystemLoad: 0.25},
	})
	assert.Equal(t, 4, snap.PlayingPlayers)
	assert.Equal(t, 0.25, snap.CPULoad)
	assert.Equal(t, NoFrameData, snap.DeficitAvg)
	assert.Equal(t, NoFrameData, snap.NulledAvg)
	assert.Equal(t, 1500*time.Millisecond, snap.Uptime)
	assert.Equal(t, uint64(1024), snap.MemoryUsed)

	snap = SnapshotFromStats(&protocol.Stats{FrameStats: &protocol.FrameStats{Sent: 2980, Nulled: 12, Deficit: 20}})
	assert.Equal(t, 20, snap.DeficitAvg)
	assert.Equal(t, 12, snap.NulledAvg)
}
