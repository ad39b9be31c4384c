package client

import (
	"context"
	"sync"

	"github.com/meftunca/voxlink/pkg/protocol"
)

// Player controls playback of one guild on whatever node the guild is bound
// to. State mirrors the last playerUpdate from that node.
type Player struct {
	guildID string
	ctrl    *Controller

	mu        sync.RWMutex
	track     string
	state     protocol.PlayerState
	paused    bool
	volume    int
	listeners []func(protocol.Event)
}

func newPlayer(guildID string, ctrl *Controller) *Player {
	return &Player{guildID: guildID, ctrl: ctrl, volume: 100}
}

func (p *Player) GuildID() string { return p.guildID }

// Play starts an encoded track, replacing the current one.
func (p *Player) Play(ctx context.Context, track string) error {
	return p.PlayFrom(ctx, track, 0)
}

// PlayFrom starts an encoded track at startTime milliseconds. A paused
// player stays paused.
func (p *Player) PlayFrom(ctx context.Context, track string, startTime int64) error {
	msg := protocol.NewPlay(p.guildID, track)
	msg.StartTime = startTime

	// set before sending so an immediate end event for this track clears it
	p.mu.Lock()
	prev := p.track
	p.track = track
	p.mu.Unlock()

	if err := p.ctrl.send(ctx, p.guildID, msg); err != nil {
		p.mu.Lock()
		if p.track == track {
			p.track = prev
		}
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *Player) Stop(ctx context.Context) error {
	if err := p.ctrl.send(ctx, p.guildID, protocol.NewStop(p.guildID)); err != nil {
		return err
	}
	p.mu.Lock()
	p.track = ""
	p.mu.Unlock()
	return nil
}

func (p *Player) SetPaused(ctx context.Context, paused bool) error {
	if err := p.ctrl.send(ctx, p.guildID, protocol.NewPause(p.guildID, paused)); err != nil {
		return err
	}
	p.mu.Lock()
	p.paused = paused
	p.mu.Unlock()
	return nil
}

// Seek moves the current track to position milliseconds.
func (p *Player) Seek(ctx context.Context, position int64) error {
	return p.ctrl.send(ctx, p.guildID, protocol.NewSeek(p.guildID, position))
}

// SetVolume sets the volume, 0..1000. The node clamps out of range values.
func (p *Player) SetVolume(ctx context.Context, volume int) error {
	if err := p.ctrl.send(ctx, p.guildID, protocol.NewVolume(p.guildID, volume)); err != nil {
		return err
	}
	p.mu.Lock()
	p.volume = min(max(volume, 0), 1000)
	p.mu.Unlock()
	return nil
}

// State is the last state reported by the node.
func (p *Player) State() protocol.PlayerState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Player) Paused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

func (p *Player) Volume() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.volume
}

// Track is the encoded track last started, empty once it ended.
func (p *Player) Track() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.track
}

// OnEvent registers fn for every event of this guild.
func (p *Player) OnEvent(fn func(protocol.Event)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

func (p *Player) applyUpdate(state protocol.PlayerState) {
	p.mu.Lock()
	p.state = state
	p.paused = state.Paused
	p.volume = state.Volume
	p.mu.Unlock()
}

func (p *Player) dispatch(ev protocol.Event) {
	p.mu.Lock()
	if ev.Track != "" && ev.Track == p.track {
		p.track = ""
	}
	listeners := make([]func(protocol.Event), len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}
