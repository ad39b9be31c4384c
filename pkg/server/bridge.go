package server

import (
	"context"
	"sync"
	"time"

	"github.com/meftunca/voxlink/pkg/common"
	"github.com/meftunca/voxlink/pkg/protocol"
	"github.com/meftunca/voxlink/pkg/types"
)

type result[V any] struct {
	value V
	err   error
}

// pending tracks callers waiting for a reply keyed by K. Every waiter owns a
// buffered channel, so resolving never blocks the resolver.
type pending[K comparable, V any] struct {
	mu      sync.Mutex
	waiters map[K][]chan result[V]
	err     error
}

func newPending[K comparable, V any]() *pending[K, V] {
	return &pending[K, V]{waiters: make(map[K][]chan result[V])}
}

func (p *pending[K, V]) register(key K) (chan result[V], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan result[V], 1)
	p.waiters[key] = append(p.waiters[key], ch)
	return ch, nil
}

// resolve delivers value to every waiter of key and returns how many there were.
func (p *pending[K, V]) resolve(key K, value V) int {
	p.mu.Lock()
	waiters := p.waiters[key]
	delete(p.waiters, key)
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- result[V]{value: value}
	}
	return len(waiters)
}

func (p *pending[K, V]) remove(key K, ch chan result[V]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	waiters := p.waiters[key]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(p.waiters, key)
	} else {
		p.waiters[key] = waiters
	}
}

// fail resolves every waiter with err and rejects later registrations.
func (p *pending[K, V]) fail(err error) {
	p.mu.Lock()
	all := p.waiters
	p.waiters = make(map[K][]chan result[V])
	p.err = err
	p.mu.Unlock()

	for _, waiters := range all {
		for _, ch := range waiters {
			ch <- result[V]{err: err}
		}
	}
}

func (p *pending[K, V]) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.waiters {
		n += len(w)
	}
	return n
}

// await blocks until ch resolves, the timeout elapses or ctx ends.
func await[V any](ctx context.Context, ch chan result[V], timeout time.Duration, op string) (V, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero V
	select {
	case r := <-ch:
		return r.value, r.err
	case <-timer.C:
		return zero, types.ErrTimeout(op, timeout)
	case <-ctx.Done():
		return zero, types.ErrConnectionClosed
	}
}

// CoreClient answers the questions a shard's voice core asks about the
// gateway by asking the controller over the control connection. Calls block
// the calling goroutine, never the connection's read loop.
type CoreClient struct {
	ctx     context.Context
	shardID int
	conn    Sender
	timeout time.Duration
	metrics *Metrics
	logger  common.Logger

	validMu sync.RWMutex
	valid   map[string]bool

	validations *pending[string, bool]
	connected   *pending[int, bool]
}

func newCoreClient(ctx context.Context, shardID int, conn Sender, timeout time.Duration, metrics *Metrics, logger common.Logger) *CoreClient {
	return &CoreClient{
		ctx:         ctx,
		shardID:     shardID,
		conn:        conn,
		timeout:     timeout,
		metrics:     metrics,
		logger:      logger,
		valid:       make(map[string]bool),
		validations: newPending[string, bool](),
		connected:   newPending[int, bool](),
	}
}

func (c *CoreClient) ShardID() int { return c.shardID }

// SendWS relays a raw gateway frame through the controller.
func (c *CoreClient) SendWS(message string) error {
	return c.conn.Send(protocol.NewSendWS(c.shardID, message))
}

// IsConnected asks whether the controller's gateway shard is connected.
func (c *CoreClient) IsConnected() (bool, error) {
	ch, err := c.connected.register(c.shardID)
	if err != nil {
		return false, err
	}
	if err := c.conn.Send(protocol.NewIsConnectedReq(c.shardID)); err != nil {
		c.connected.remove(c.shardID, ch)
		return false, err
	}
	ok, err := await(c.ctx, ch, c.timeout, "connection check")
	if err != nil {
		c.connected.remove(c.shardID, ch)
	}
	c.record("isConnected", err)
	return ok, err
}

// InGuild always asks the controller.
func (c *CoreClient) InGuild(guildID string) (bool, error) {
	return c.requestValidation(guildID)
}

// VoiceChannelExists answers from the cache when a channel is known valid.
func (c *CoreClient) VoiceChannelExists(channelID string) (bool, error) {
	if c.cached(channelID) {
		return true, nil
	}
	return c.requestValidation(channelID)
}

// HasPermissionInChannel treats a valid channel as usable.
func (c *CoreClient) HasPermissionInChannel(channelID string, _ int64) (bool, error) {
	if c.cached(channelID) {
		return true, nil
	}
	return c.requestValidation(channelID)
}

func (c *CoreClient) cached(id string) bool {
	c.validMu.RLock()
	defer c.validMu.RUnlock()
	return c.valid[id]
}

func (c *CoreClient) requestValidation(id string) (bool, error) {
	ch, err := c.validations.register(id)
	if err != nil {
		return false, err
	}
	if err := c.conn.Send(protocol.NewValidationReq(id)); err != nil {
		c.validations.remove(id, ch)
		return false, err
	}
	valid, err := await(c.ctx, ch, c.timeout, "validation")
	if err != nil {
		c.validations.remove(id, ch)
	}
	c.record("validation", err)
	return valid, err
}

// ProvideValidation stores a validation answer for the guild and the
// optional channel and wakes everyone waiting on either.
func (c *CoreClient) ProvideValidation(guildID, channelID string, valid bool) {
	c.validMu.Lock()
	c.valid[guildID] = valid
	if channelID != "" {
		c.valid[channelID] = valid
	}
	c.validMu.Unlock()

	woken := c.validations.resolve(guildID, valid)
	if channelID != "" {
		woken += c.validations.resolve(channelID, valid)
	}
	if woken == 0 {
		c.logger.Debugf("validation for %s arrived with nobody waiting", guildID)
	}
}

// ProvideIsConnected wakes everyone waiting on IsConnected.
func (c *CoreClient) ProvideIsConnected(connected bool) {
	c.connected.resolve(c.shardID, connected)
}

// close fails every pending and future request.
func (c *CoreClient) close() {
	c.validations.fail(types.ErrConnectionClosed)
	c.connected.fail(types.ErrConnectionClosed)
}

func (c *CoreClient) pendingCount() int {
	return c.validations.size() + c.connected.size()
}

func (c *CoreClient) record(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if code, ok := types.CodeOf(err); ok && code == types.ErrCodeTimeout {
			result = "timeout"
		}
		c.logger.Warnf("shard %d %s request failed: %v", c.shardID, kind, err)
	}
	c.metrics.SyncRequest(kind, result)
}
