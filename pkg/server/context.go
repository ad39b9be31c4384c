package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meftunca/voxlink/pkg/audio"
	"github.com/meftunca/voxlink/pkg/common"
	"github.com/meftunca/voxlink/pkg/protocol"
	"github.com/meftunca/voxlink/pkg/voice"
)

// SocketContext is the state owned by one authenticated control connection:
// the voice core and bridge of every shard it used and the player of every
// guild it commanded. Nothing in it is shared with other connections.
type SocketContext struct {
	id         string
	shardCount int
	userID     string

	conn        Sender
	cores       voice.CoreFactory
	engine      audio.Engine
	syncTimeout time.Duration
	metrics     *Metrics
	logger      common.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	shards   map[int]*shard
	players  map[string]*audio.Player
	playerOp []audio.PlayerOption

	statsDone    chan struct{}
	shutdownOnce sync.Once
}

type shard struct {
	core   voice.Core
	bridge *CoreClient
}

type contextConfig struct {
	id          string
	shardCount  int
	userID      string
	conn        Sender
	cores       voice.CoreFactory
	engine      audio.Engine
	syncTimeout time.Duration
	metrics     *Metrics
	logger      common.Logger
	playerOpts  []audio.PlayerOption
}

func newSocketContext(cfg contextConfig) *SocketContext {
	ctx, cancel := context.WithCancel(context.Background())
	return &SocketContext{
		id:          cfg.id,
		shardCount:  cfg.shardCount,
		userID:      cfg.userID,
		conn:        cfg.conn,
		cores:       cfg.cores,
		engine:      cfg.engine,
		syncTimeout: cfg.syncTimeout,
		metrics:     cfg.metrics,
		logger:      cfg.logger,
		ctx:         ctx,
		cancel:      cancel,
		shards:      make(map[int]*shard),
		players:     make(map[string]*audio.Player),
		playerOp:    cfg.playerOpts,
	}
}

func (c *SocketContext) ID() string      { return c.id }
func (c *SocketContext) ShardCount() int { return c.shardCount }
func (c *SocketContext) UserID() string  { return c.userID }

func (c *SocketContext) shard(shardID int) *shard {
	c.mu.RLock()
	s, ok := c.shards[shardID]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.shards[shardID]; ok {
		return s
	}
	bridge := newCoreClient(c.ctx, shardID, c.conn, c.syncTimeout, c.metrics, c.logger.With("bridge"))
	s = &shard{
		core:   c.cores(c.userID, shardID, bridge),
		bridge: bridge,
	}
	c.shards[shardID] = s
	return s
}

// Core returns the voice core of shardID, creating it on first use.
func (c *SocketContext) Core(shardID int) voice.Core {
	return c.shard(shardID).core
}

// Bridge returns the sync bridge of shardID, creating it on first use.
func (c *SocketContext) Bridge(shardID int) *CoreClient {
	return c.shard(shardID).bridge
}

// CoreForGuild returns the core of the shard that owns guildID.
func (c *SocketContext) CoreForGuild(guildID string) (voice.Core, error) {
	id, err := voice.ShardForGuild(guildID, c.shardCount)
	if err != nil {
		return nil, err
	}
	return c.Core(id), nil
}

// Player returns the player of guildID, creating it on first use.
func (c *SocketContext) Player(guildID string) *audio.Player {
	c.mu.RLock()
	p, ok := c.players[guildID]
	c.mu.RUnlock()
	if ok {
		return p
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.players[guildID]; ok {
		return p
	}
	opts := append([]audio.PlayerOption{audio.WithEndHandler(c.trackEnded)}, c.playerOp...)
	p = audio.NewPlayer(guildID, c.engine, opts...)
	c.players[guildID] = p
	return p
}

func (c *SocketContext) trackEnded(guildID, track, reason string) {
	if err := c.conn.Send(protocol.NewTrackEnd(guildID, track, reason)); err != nil {
		c.logger.Debugf("track end event for %s: %v", guildID, err)
	}
}

// Players returns every player sorted by guild id.
func (c *SocketContext) Players() []*audio.Player {
	c.mu.RLock()
	out := make([]*audio.Player, 0, len(c.players))
	for _, p := range c.players {
		out = append(out, p)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].GuildID() < out[j].GuildID() })
	return out
}

// PlayingPlayers returns the players that are currently playing.
func (c *SocketContext) PlayingPlayers() []*audio.Player {
	var out []*audio.Player
	for _, p := range c.Players() {
		if p.IsPlaying() {
			out = append(out, p)
		}
	}
	return out
}

// startStats sends a stats report now and then every interval until the
// context shuts down. onStats sees every report after it was sent.
func (c *SocketContext) startStats(task *StatsTask, interval time.Duration, onStats func(protocol.Stats)) {
	c.statsDone = make(chan struct{})
	go func() {
		defer close(c.statsDone)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			stats := task.Collect(c.Players())
			if err := c.conn.Send(stats); err != nil {
				c.logger.Debugf("send stats: %v", err)
			} else if onStats != nil {
				onStats(stats)
			}

			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Shutdown stops the stats task, fails pending bridge requests, closes the
// voice connection of every guild with a player and stops every player.
// Later calls do nothing.
func (c *SocketContext) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.cancel()
		if c.statsDone != nil {
			<-c.statsDone
		}

		c.mu.RLock()
		shards := make([]*shard, 0, len(c.shards))
		for _, s := range c.shards {
			shards = append(shards, s)
		}
		c.mu.RUnlock()
		for _, s := range shards {
			s.bridge.close()
		}

		players := c.Players()
		c.logger.Infof("shutting down %d shards and %d players (%d playing)",
			len(shards), len(players), len(c.PlayingPlayers()))

		for _, p := range players {
			core, err := c.CoreForGuild(p.GuildID())
			if err != nil {
				c.logger.Warnf("no shard for guild %s: %v", p.GuildID(), err)
				continue
			}
			core.AudioManager(p.GuildID()).CloseAudioConnection()
		}
		for _, p := range players {
			p.Stop()
		}
	})
}

// Done is closed once the context begins shutting down.
func (c *SocketContext) Done() <-chan struct{} { return c.ctx.Done() }
