package server

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/meftunca/voxlink/pkg/audio"
	"github.com/meftunca/voxlink/pkg/protocol"
)

// CPUSampler reports machine and process cpu load.
type CPUSampler interface {
	Sample() protocol.CPU
}

// procSampler reads /proc. Loads are computed over the time since the
// previous sample, or since boot and process start for the first one.
type procSampler struct {
	fs  procfs.FS
	err error

	mu        sync.Mutex
	lastBusy  float64
	lastTotal float64
	lastProc  float64
	lastWall  time.Time
}

// NewCPUSampler returns a procfs-backed sampler. Where /proc is missing it
// reports only the core count.
func NewCPUSampler() CPUSampler {
	fs, err := procfs.NewDefaultFS()
	return &procSampler{fs: fs, err: err}
}

func (s *procSampler) Sample() protocol.CPU {
	cores := runtime.NumCPU()
	out := protocol.CPU{Cores: cores}
	if s.err != nil {
		return out
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if stat, err := s.fs.Stat(); err == nil {
		c := stat.CPUTotal
		busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
		total := busy + c.Idle + c.Iowait
		if total > s.lastTotal {
			out.SystemLoad = clamp01((busy - s.lastBusy) / (total - s.lastTotal))
		}
		s.lastBusy, s.lastTotal = busy, total
	}

	proc, err := s.fs.Self()
	if err != nil {
		return out
	}
	ps, err := proc.Stat()
	if err != nil {
		return out
	}
	now := time.Now()
	cpuTime := ps.CPUTime()

	var elapsed float64
	if s.lastWall.IsZero() {
		if start, err := ps.StartTime(); err == nil {
			elapsed = float64(now.UnixNano())/1e9 - start
		}
	} else {
		elapsed = now.Sub(s.lastWall).Seconds()
	}
	if elapsed > 0 {
		out.LavalinkLoad = clamp01((cpuTime - s.lastProc) / elapsed / float64(cores))
	}
	s.lastProc, s.lastWall = cpuTime, now
	return out
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}

// StatsTask builds the periodic stats report of a connection.
type StatsTask struct {
	started time.Time
	sampler CPUSampler
	now     func() time.Time
}

// NewStatsTask measures uptime from started.
func NewStatsTask(started time.Time, sampler CPUSampler) *StatsTask {
	if sampler == nil {
		sampler = NewCPUSampler()
	}
	return &StatsTask{started: started, sampler: sampler, now: time.Now}
}

// Collect builds a stats message for players.
func (t *StatsTask) Collect(players []*audio.Player) protocol.Stats {
	playing := 0
	for _, p := range players {
		if p.IsPlaying() {
			playing++
		}
	}

	return protocol.Stats{
		Header:         protocol.Header{Op: protocol.OpStats},
		Players:        len(players),
		PlayingPlayers: playing,
		Uptime:         t.now().Sub(t.started).Milliseconds(),
		Memory:         readMemory(),
		CPU:            t.sampler.Sample(),
		FrameStats:     AggregateFrames(players),
	}
}

// AggregateFrames averages the last minute frame counts of playing players
// with usable data. It returns nil when no player qualifies.
func AggregateFrames(players []*audio.Player) *protocol.FrameStats {
	var sent, nulled, counted int
	for _, p := range players {
		if !p.IsPlaying() {
			continue
		}
		loss := p.LossCounter()
		if !loss.IsDataUsable() {
			continue
		}
		counted++
		sent += loss.LastMinuteSuccess()
		nulled += loss.LastMinuteLoss()
	}
	if counted == 0 {
		return nil
	}

	deficit := counted*audio.ExpectedFramesPerMinute - (sent + nulled)
	return &protocol.FrameStats{
		Sent:    sent / counted,
		Nulled:  nulled / counted,
		Deficit: deficit / counted,
	}
}

func readMemory() protocol.Memory {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	reservable := debug.SetMemoryLimit(-1)
	if reservable < 0 {
		reservable = 0
	}
	return protocol.Memory{
		Free:       ms.HeapSys - ms.HeapAlloc,
		Used:       ms.HeapAlloc,
		Allocated:  ms.HeapSys,
		Reservable: uint64(reservable),
	}
}
