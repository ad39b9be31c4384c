// Package client is the controller side of the control protocol. A
// Controller keeps a connection to every worker node, binds each guild to
// one node through the balancer and forwards voice and player commands to
// it.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/meftunca/voxlink/pkg/balancer"
	"github.com/meftunca/voxlink/pkg/common"
	"github.com/meftunca/voxlink/pkg/config"
	"github.com/meftunca/voxlink/pkg/protocol"
	"github.com/meftunca/voxlink/pkg/types"
)

// Option configures a Controller.
type Option func(*Controller)

// WithStore persists guild assignments.
func WithStore(s balancer.AssignmentStore) Option {
	return func(c *Controller) { c.store = s }
}

func WithLogger(l common.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithCodec(codec protocol.Codec) Option {
	return func(c *Controller) { c.codec = codec }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithReconnect sets the first and the longest wait between reconnects.
func WithReconnect(initial, maxWait time.Duration) Option {
	return func(c *Controller) {
		c.reconnectInitial = initial
		c.reconnectMax = maxWait
	}
}

// WithDialTimeout bounds the websocket handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Controller) { c.dialTimeout = d }
}

// FromConfig applies the controller section of a config.
func FromConfig(cfg config.ControllerConfig) Option {
	return func(c *Controller) {
		c.reconnectInitial = cfg.ReconnectInitial
		c.reconnectMax = cfg.ReconnectMax
		c.dialTimeout = cfg.DialTimeout
	}
}

// Controller is the bot side of a set of worker nodes.
type Controller struct {
	numShards int
	userID    string
	gateway   Gateway

	store            balancer.AssignmentStore
	codec            protocol.Codec
	metrics          *Metrics
	logger           common.Logger
	reconnectInitial time.Duration
	reconnectMax     time.Duration
	dialTimeout      time.Duration

	balancer *balancer.Balancer
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.RWMutex
	players  map[string]*Player
	channels map[string]string
}

// New creates a controller for a bot with numShards gateway shards.
func New(numShards int, userID string, gateway Gateway, opts ...Option) (*Controller, error) {
	if numShards < 1 {
		return nil, types.NewError(types.ErrCodeInvalidConfig, "shard count must be positive").
			WithDetail("num_shards", numShards)
	}
	if gateway == nil {
		return nil, types.NewError(types.ErrCodeInvalidConfig, "gateway is required")
	}

	c := &Controller{
		numShards:        numShards,
		userID:           userID,
		gateway:          gateway,
		reconnectInitial: time.Second,
		reconnectMax:     30 * time.Second,
		dialTimeout:      10 * time.Second,
		players:          make(map[string]*Player),
		channels:         make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = common.DefaultLogger
	}
	if c.codec == nil {
		c.codec = protocol.NewStandardCodec(config.JSONConfig{})
	}
	if c.metrics == nil {
		c.metrics = NewMetrics("")
	}

	bopts := []balancer.Option{balancer.WithLogger(c.logger)}
	if c.store != nil {
		bopts = append(bopts, balancer.WithStore(c.store))
	}
	c.balancer = balancer.New(bopts...)
	c.logger = c.logger.With("controller")
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

func (c *Controller) Balancer() *balancer.Balancer { return c.balancer }
func (c *Controller) Metrics() *Metrics            { return c.metrics }
func (c *Controller) NumShards() int               { return c.numShards }

// AddNode registers a node and starts connecting to it.
func (c *Controller) AddNode(name, uri, password string) (*NodeConnection, error) {
	if c.ctx.Err() != nil {
		return nil, types.ErrConnectionClosed
	}
	node := newNodeConnection(nodeConfig{
		name:             name,
		uri:              uri,
		password:         password,
		numShards:        c.numShards,
		userID:           c.userID,
		codec:            c.codec,
		gateway:          c.gateway,
		players:          c,
		metrics:          c.metrics,
		logger:           c.logger,
		dialTimeout:      c.dialTimeout,
		reconnectInitial: c.reconnectInitial,
		reconnectMax:     c.reconnectMax,
		writeTimeout:     10 * time.Second,
	})
	if err := c.balancer.Add(node); err != nil {
		return nil, err
	}
	node.Start(c.ctx)
	c.logger.Infof("added node %s at %s", name, uri)
	return node, nil
}

// RemoveNode closes a node's connection. Guilds bound to it are rebound on
// their next command.
func (c *Controller) RemoveNode(name string) error {
	n, ok := c.balancer.Remove(name)
	if !ok {
		return types.ErrNodeNotFound(name)
	}
	n.(*NodeConnection).Close()
	c.metrics.ForgetNode(name)
	c.metrics.SetAssignments(len(c.balancer.Assignments()))
	c.logger.Infof("removed node %s", name)
	return nil
}

// Node returns a registered node by name.
func (c *Controller) Node(name string) (*NodeConnection, bool) {
	n, ok := c.balancer.Get(name)
	if !ok {
		return nil, false
	}
	return n.(*NodeConnection), true
}

// Nodes returns every node in registration order.
func (c *Controller) Nodes() []*NodeConnection {
	nodes := c.balancer.Nodes()
	out := make([]*NodeConnection, len(nodes))
	for i, n := range nodes {
		out[i] = n.(*NodeConnection)
	}
	return out
}

// NodeFor returns the node guildID is bound to, binding it if needed.
func (c *Controller) NodeFor(ctx context.Context, guildID string) (*NodeConnection, error) {
	n, err := c.balancer.Resolve(ctx, guildID)
	if err != nil {
		c.metrics.ResolveFailure()
		return nil, err
	}
	c.metrics.SetAssignments(len(c.balancer.Assignments()))
	return n.(*NodeConnection), nil
}

func (c *Controller) send(ctx context.Context, guildID string, msg protocol.Message) error {
	node, err := c.NodeFor(ctx, guildID)
	if err != nil {
		return err
	}
	if err := node.Send(msg); err != nil {
		return fmt.Errorf("%s to node %s: %w", msg.Operation(), node.Name(), err)
	}
	return nil
}

// OpenVoiceConnection asks the guild's node to join channelID.
func (c *Controller) OpenVoiceConnection(ctx context.Context, guildID, channelID string) error {
	// recorded before sending so the node can validate the channel by it
	c.mu.Lock()
	prev, had := c.channels[guildID]
	c.channels[guildID] = channelID
	c.mu.Unlock()

	if err := c.send(ctx, guildID, protocol.NewConnect(guildID, channelID)); err != nil {
		c.mu.Lock()
		if c.channels[guildID] == channelID {
			if had {
				c.channels[guildID] = prev
			} else {
				delete(c.channels, guildID)
			}
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// CloseVoiceConnection asks the guild's node to leave voice.
func (c *Controller) CloseVoiceConnection(ctx context.Context, guildID string) error {
	if err := c.send(ctx, guildID, protocol.NewDisconnect(guildID)); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.channels, guildID)
	c.mu.Unlock()
	return nil
}

// ConnectedChannel returns the channel last opened for guildID.
func (c *Controller) ConnectedChannel(guildID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[guildID]
	return ch, ok
}

func (c *Controller) guildForChannel(channelID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for guildID, ch := range c.channels {
		if ch == channelID {
			return guildID, true
		}
	}
	return "", false
}

// ForwardVoiceServerUpdate passes a gateway voice server update to the
// guild's node.
func (c *Controller) ForwardVoiceServerUpdate(ctx context.Context, guildID, sessionID string, event json.RawMessage) error {
	return c.send(ctx, guildID, protocol.NewVoiceUpdate(guildID, sessionID, event))
}

// Player returns the player of guildID, creating it on first use.
func (c *Controller) Player(guildID string) *Player {
	if p, ok := c.lookupPlayer(guildID); ok {
		return p
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.players[guildID]; ok {
		return p
	}
	p := newPlayer(guildID, c)
	c.players[guildID] = p
	return p
}

// LookupPlayer returns the player of guildID without creating one.
func (c *Controller) LookupPlayer(guildID string) (*Player, bool) {
	return c.lookupPlayer(guildID)
}

func (c *Controller) lookupPlayer(guildID string) (*Player, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.players[guildID]
	return p, ok
}

// Players returns every player.
func (c *Controller) Players() []*Player {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Player, 0, len(c.players))
	for _, p := range c.players {
		out = append(out, p)
	}
	return out
}

// DestroyPlayer stops the guild's player, forgets it and releases the guild's
// node binding.
func (c *Controller) DestroyPlayer(ctx context.Context, guildID string) error {
	c.mu.Lock()
	_, ok := c.players[guildID]
	delete(c.players, guildID)
	c.mu.Unlock()

	var err error
	if node, bound := c.balancer.Lookup(guildID); bound && ok {
		err = node.(*NodeConnection).Send(protocol.NewStop(guildID))
	}
	c.balancer.Release(ctx, guildID)
	c.metrics.SetAssignments(len(c.balancer.Assignments()))
	return err
}

// Shutdown closes every node connection. The controller cannot be reused.
func (c *Controller) Shutdown() {
	c.cancel()
	var wg sync.WaitGroup
	for _, n := range c.Nodes() {
		wg.Add(1)
		go func(n *NodeConnection) {
			defer wg.Done()
			n.Close()
		}(n)
	}
	wg.Wait()
	c.logger.Infof("controller shut down")
}
