package client

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/meftunca/voxlink/pkg/balancer"
	"github.com/meftunca/voxlink/pkg/common"
	"github.com/meftunca/voxlink/pkg/protocol"
	"github.com/meftunca/voxlink/pkg/types"
)

var errRejected = errors.New("authorization rejected by node")

// playerDirectory finds the remote player of a guild for inbound updates
// and the guild a voice channel was opened for.
type playerDirectory interface {
	lookupPlayer(guildID string) (*Player, bool)
	guildForChannel(channelID string) (string, bool)
}

type nodeConfig struct {
	name, uri, password string
	numShards           int
	userID              string

	codec            protocol.Codec
	gateway          Gateway
	players          playerDirectory
	metrics          *Metrics
	logger           common.Logger
	dialTimeout      time.Duration
	reconnectInitial time.Duration
	reconnectMax     time.Duration
	writeTimeout     time.Duration
}

// NodeConnection is the controller's control connection to one node. It
// keeps reconnecting until closed or until the node rejects the password.
type NodeConnection struct {
	cfg    nodeConfig
	logger common.Logger
	dialer *websocket.Dialer

	writeMu sync.Mutex
	connMu  sync.RWMutex
	ws      *websocket.Conn

	connected atomic.Bool
	stats     atomic.Pointer[protocol.Stats]
	snapshot  atomic.Pointer[balancer.HealthSnapshot]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	start  sync.Once
}

func newNodeConnection(cfg nodeConfig) *NodeConnection {
	ctx, cancel := context.WithCancel(context.Background())
	return &NodeConnection{
		cfg:    cfg,
		logger: cfg.logger.With("node " + cfg.name),
		dialer: &websocket.Dialer{
			HandshakeTimeout:  cfg.dialTimeout,
			EnableCompression: true,
		},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (n *NodeConnection) Name() string { return n.cfg.name }
func (n *NodeConnection) URI() string  { return n.cfg.uri }

// Available reports whether the control connection is open.
func (n *NodeConnection) Available() bool { return n.connected.Load() }

// Stats returns the last stats report, nil before the first one.
func (n *NodeConnection) Stats() *protocol.Stats { return n.stats.Load() }

// Snapshot returns the health snapshot built from the last stats report.
func (n *NodeConnection) Snapshot() *balancer.HealthSnapshot { return n.snapshot.Load() }

// Penalties scores the last snapshot.
func (n *NodeConnection) Penalties() balancer.Penalties { return balancer.Score(n.Snapshot()) }

// Done is closed when the connection loop has stopped for good.
func (n *NodeConnection) Done() <-chan struct{} { return n.done }

// Start runs the connect loop until ctx ends or Close is called.
func (n *NodeConnection) Start(ctx context.Context) {
	n.start.Do(func() {
		stop := context.AfterFunc(ctx, n.cancel)
		go func() {
			defer stop()
			n.run()
		}()
	})
}

func (n *NodeConnection) newBackOff() backoff.BackOff {
	return backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(n.cfg.reconnectInitial),
		backoff.WithMaxInterval(n.cfg.reconnectMax),
		backoff.WithMaxElapsedTime(0),
	), n.ctx)
}

func (n *NodeConnection) run() {
	defer close(n.done)
	policy := n.newBackOff()

	for {
		opened, err := n.session()
		if n.ctx.Err() != nil {
			return
		}
		if errors.Is(err, errRejected) {
			n.logger.Errorf("node rejected our password, giving up")
			return
		}
		if opened {
			policy.Reset()
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		n.logger.Warnf("connection lost (%v), reconnecting in %s", err, wait)
		n.cfg.metrics.Reconnect(n.cfg.name)

		timer := time.NewTimer(wait)
		select {
		case <-n.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session dials once and reads until the connection ends. opened reports
// whether the handshake succeeded.
func (n *NodeConnection) session() (opened bool, err error) {
	header := http.Header{}
	header.Set(protocol.HeaderAuthorization, n.cfg.password)
	header.Set(protocol.HeaderNumShards, strconv.Itoa(n.cfg.numShards))
	header.Set(protocol.HeaderUserID, n.cfg.userID)

	ws, resp, err := n.dialer.DialContext(n.ctx, n.cfg.uri, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, err
	}

	n.connMu.Lock()
	n.ws = ws
	n.connMu.Unlock()
	if n.ctx.Err() != nil {
		// Close ran while we were dialing
		_ = ws.Close()
	}
	n.connected.Store(true)
	n.observe()
	n.logger.Infof("connected to %s", n.cfg.uri)

	err = n.readLoop(ws)

	n.connected.Store(false)
	n.connMu.Lock()
	n.ws = nil
	n.connMu.Unlock()
	_ = ws.Close()
	n.observe()

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		n.logger.Infof("closed by node: %d %s", ce.Code, protocol.CloseReason(ce.Code))
		if ce.Code == protocol.CloseAuthorizationRejected {
			return true, errRejected
		}
	}
	return true, err
}

func (n *NodeConnection) readLoop(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		n.handle(data)
	}
}

func (n *NodeConnection) handle(data []byte) {
	codec := n.cfg.codec
	op, err := protocol.DecodeOp(codec, data)
	if err != nil {
		n.logger.Warnf("ignoring message: %v", err)
		return
	}

	switch op {
	case protocol.OpStats:
		stats, err := protocol.Decode[protocol.Stats](codec, data)
		if err != nil {
			n.logger.Warnf("ignoring %s: %v", op, err)
			return
		}
		n.stats.Store(&stats)
		n.snapshot.Store(balancer.SnapshotFromStats(&stats))
		n.observe()

	case protocol.OpPlayerUpdate:
		msg, err := protocol.Decode[protocol.PlayerUpdate](codec, data)
		if err != nil {
			n.logger.Warnf("ignoring %s: %v", op, err)
			return
		}
		if p, ok := n.cfg.players.lookupPlayer(msg.GuildID); ok {
			p.applyUpdate(msg.State)
		}

	case protocol.OpEvent:
		msg, err := protocol.Decode[protocol.Event](codec, data)
		if err != nil {
			n.logger.Warnf("ignoring %s: %v", op, err)
			return
		}
		if p, ok := n.cfg.players.lookupPlayer(msg.GuildID); ok {
			p.dispatch(msg)
		}

	case protocol.OpSendWS:
		msg, err := protocol.Decode[protocol.SendWS](codec, data)
		if err != nil {
			n.logger.Warnf("ignoring %s: %v", op, err)
			return
		}
		if err := n.cfg.gateway.SendFrame(msg.ShardID, msg.Message); err != nil {
			n.logger.Warnf("relay to shard %d: %v", msg.ShardID, err)
		}

	case protocol.OpValidationReq:
		msg, err := protocol.Decode[protocol.ValidationReq](codec, data)
		if err != nil {
			n.logger.Warnf("ignoring %s: %v", op, err)
			return
		}
		go n.answerValidation(msg.GuildOrChannelID)

	case protocol.OpIsConnectedReq:
		msg, err := protocol.Decode[protocol.IsConnectedReq](codec, data)
		if err != nil {
			n.logger.Warnf("ignoring %s: %v", op, err)
			return
		}
		go n.answerIsConnected(msg.ShardID)

	default:
		n.logger.Warnf("unexpected operation: %s", op)
	}
}

func (n *NodeConnection) answerValidation(id string) {
	result, err := n.cfg.gateway.Validate(n.ctx, id)
	if err != nil {
		n.logger.Warnf("validate %s: %v", id, err)
		return
	}
	result = n.completeValidation(id, result)
	if err := n.Send(protocol.NewValidationRes(result)); err != nil {
		n.logger.Debugf("validation reply for %s: %v", id, err)
	}
}

// completeValidation fills the ids a gateway left out. The node routes the
// reply by guild, so a channel id is answered with the guild it was opened in.
func (n *NodeConnection) completeValidation(id string, r protocol.ValidationResult) protocol.ValidationResult {
	if guildID, ok := n.cfg.players.guildForChannel(id); ok {
		if r.ChannelID == "" {
			r.ChannelID = id
		}
		if r.GuildID == "" || r.GuildID == id {
			r.GuildID = guildID
		}
		return r
	}
	if r.GuildID == "" && r.ChannelID == "" {
		r.GuildID = id
	}
	return r
}

func (n *NodeConnection) answerIsConnected(shardID int) {
	connected, err := n.cfg.gateway.IsShardConnected(n.ctx, shardID)
	if err != nil {
		n.logger.Warnf("shard %d status: %v", shardID, err)
		return
	}
	if err := n.Send(protocol.NewIsConnectedRes(shardID, connected)); err != nil {
		n.logger.Debugf("connection reply for shard %d: %v", shardID, err)
	}
}

func (n *NodeConnection) observe() {
	n.cfg.metrics.ObserveNode(n.cfg.name, n.Available(), n.Penalties())
}

// Send writes one message to the node.
func (n *NodeConnection) Send(msg protocol.Message) error {
	n.connMu.RLock()
	ws := n.ws
	n.connMu.RUnlock()
	if ws == nil {
		return types.ErrConnectionClosed
	}

	data, err := n.cfg.codec.Marshal(msg)
	if err != nil {
		return types.NewErrorWithCause(types.ErrCodeInternal, "failed to encode message", err)
	}

	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	if n.cfg.writeTimeout > 0 {
		_ = ws.SetWriteDeadline(time.Now().Add(n.cfg.writeTimeout))
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return types.NewErrorWithCause(types.ErrCodeConnectionClosed, "write failed", err).
			WithDetail("node", n.cfg.name)
	}
	n.cfg.metrics.MessageSent(msg.Operation())
	return nil
}

// Close stops reconnecting, closes the connection normally and waits for the
// loop to exit.
func (n *NodeConnection) Close() {
	n.cancel()

	n.connMu.RLock()
	ws := n.ws
	n.connMu.RUnlock()
	if ws != nil {
		n.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseNormal, ""), time.Now().Add(time.Second))
		n.writeMu.Unlock()
		_ = ws.Close()
	}

	n.start.Do(func() { close(n.done) })
	<-n.done
}
