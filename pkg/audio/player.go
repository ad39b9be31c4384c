package audio

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/meftunca/voxlink/pkg/protocol"
	"github.com/meftunca/voxlink/pkg/types"
)

const (
	DefaultVolume = 100
	MaxVolume     = 1000
)

// EndHandler is called after a track stops playing, outside the player lock.
type EndHandler func(guildID, track, reason string)

// Player is the playback state of one guild on a node. It is also the
// voice.SendHandler the guild's voice connection pulls frames from.
type Player struct {
	guildID string
	engine  Engine
	now     func() time.Time
	loss    *LossCounter
	onEnd   EndHandler

	mu     sync.Mutex
	track  string
	info   TrackInfo
	stream Stream
	paused bool
	volume int
	frame  []byte
}

// PlayerOption configures a Player.
type PlayerOption func(*Player)

// WithClock replaces time.Now for the player and its loss counter.
func WithClock(now func() time.Time) PlayerOption {
	return func(p *Player) { p.now = now }
}

// WithEndHandler registers the track end callback.
func WithEndHandler(h EndHandler) PlayerOption {
	return func(p *Player) { p.onEnd = h }
}

// NewPlayer creates an idle player.
func NewPlayer(guildID string, engine Engine, opts ...PlayerOption) *Player {
	p := &Player{
		guildID: guildID,
		engine:  engine,
		now:     time.Now,
		volume:  DefaultVolume,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.loss = NewLossCounter(p.now)
	return p
}

func (p *Player) GuildID() string { return p.guildID }

// Play starts info, replacing the current track. track is the encoded form
// reported back in events.
func (p *Player) Play(track string, info TrackInfo) error {
	stream, err := p.engine.Open(info)
	if err != nil {
		if _, ok := types.CodeOf(err); ok {
			return err
		}
		return types.NewErrorWithCause(types.ErrCodePlaybackError, "failed to open track", err)
	}

	p.mu.Lock()
	prev, prevTrack := p.stream, p.track
	p.stream, p.track, p.info = stream, track, info
	p.frame = nil
	p.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
		p.loss.OnTrackEnd()
		p.ended(prevTrack, protocol.EndReasonReplaced)
	}
	p.loss.OnTrackStart()
	return nil
}

// Stop ends the current track. It reports whether a track was playing.
func (p *Player) Stop() bool {
	p.mu.Lock()
	stream, track := p.stream, p.track
	p.stream, p.track, p.info = nil, "", TrackInfo{}
	p.frame = nil
	p.mu.Unlock()

	if stream == nil {
		return false
	}
	_ = stream.Close()
	p.loss.OnTrackEnd()
	p.ended(track, protocol.EndReasonStopped)
	return true
}

func (p *Player) ended(track, reason string) {
	if p.onEnd != nil {
		p.onEnd(p.guildID, track, reason)
	}
}

func (p *Player) SetPaused(paused bool) {
	p.mu.Lock()
	p.paused = paused
	p.mu.Unlock()
}

func (p *Player) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// SeekTo moves the current track to position milliseconds.
func (p *Player) SeekTo(position int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return types.NewError(types.ErrCodePlaybackError, "no track is playing")
	}
	return p.stream.Seek(position)
}

// SetVolume clamps volume to 0..MaxVolume.
func (p *Player) SetVolume(volume int) {
	p.mu.Lock()
	p.volume = min(max(volume, 0), MaxVolume)
	p.mu.Unlock()
}

func (p *Player) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// IsPlaying is true while a track is loaded and not paused.
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream != nil && !p.paused
}

// Track returns the encoded and decoded current track.
func (p *Player) Track() (string, TrackInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track, p.info, p.stream != nil
}

func (p *Player) LossCounter() *LossCounter { return p.loss }

// State is the snapshot sent in playerUpdate messages.
func (p *Player) State() protocol.PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := protocol.PlayerState{
		Time:    p.now().UnixMilli(),
		Playing: p.stream != nil && !p.paused,
		Paused:  p.paused,
		Volume:  p.volume,
	}
	if p.stream != nil {
		state.Position = p.stream.Position()
	}
	return state
}

// CanProvide reads the next frame. A frame the stream could not deliver is
// counted as lost; the end of the stream finishes the track.
func (p *Player) CanProvide() bool {
	p.mu.Lock()
	if p.stream == nil || p.paused {
		p.frame = nil
		p.mu.Unlock()
		return false
	}

	frame, err := p.stream.ReadFrame()
	switch {
	case err == nil:
		p.frame = frame
		p.mu.Unlock()
		p.loss.OnSuccess()
		return true

	case errors.Is(err, io.EOF):
		stream, track := p.stream, p.track
		p.stream, p.track, p.info = nil, "", TrackInfo{}
		p.frame = nil
		p.mu.Unlock()
		_ = stream.Close()
		p.loss.OnTrackEnd()
		p.ended(track, protocol.EndReasonFinished)
		return false

	default:
		p.frame = nil
		p.mu.Unlock()
		p.loss.OnLoss()
		return false
	}
}

// Provide20MsAudio hands out the frame read by CanProvide.
func (p *Player) Provide20MsAudio() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	frame := p.frame
	p.frame = nil
	return frame
}

func (p *Player) IsOpus() bool { return true }
