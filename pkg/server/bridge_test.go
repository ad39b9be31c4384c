package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meftunca/voxlink/pkg/common"
	"github.com/meftunca/voxlink/pkg/protocol"
	"github.com/meftunca/voxlink/pkg/types"
)

// recordingSender keeps every message and can hand requests to a callback.
type recordingSender struct {
	mu     sync.Mutex
	msgs   []protocol.Message
	err    error
	onSend func(protocol.Message)
}

func (s *recordingSender) Send(msg protocol.Message) error {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	cb := s.onSend
	s.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
	return nil
}

func (s *recordingSender) messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.msgs...)
}

func (s *recordingSender) ops(op protocol.Op) []protocol.Message {
	var out []protocol.Message
	for _, m := range s.messages() {
		if m.Operation() == op {
			out = append(out, m)
		}
	}
	return out
}

func quietLogger() common.Logger {
	return common.NewWriterLogger(io.Discard, common.LevelDebug)
}

func newTestBridge(t *testing.T, sender Sender, timeout time.Duration) (*CoreClient, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return newCoreClient(ctx, 3, sender, timeout, NewMetrics(""), quietLogger()), cancel
}

func TestBridgeValidationAnsweredPromptly(t *testing.T) {
	sender := &recordingSender{}
	bridge, _ := newTestBridge(t, sender, 5*time.Second)
	sender.onSend = func(msg protocol.Message) {
		req, ok := msg.(protocol.ValidationReq)
		if !ok {
			return
		}
		go bridge.ProvideValidation(req.GuildOrChannelID, "", true)
	}

	start := time.Now()
	ok, err := bridge.InGuild("41771983423143937")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, bridge.pendingCount())
}

func TestBridgeValidationTimesOut(t *testing.T) {
	sender := &recordingSender{}
	bridge, _ := newTestBridge(t, sender, 50*time.Millisecond)

	_, err := bridge.VoiceChannelExists("1234")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrRequestTimeout))
	assert.Zero(t, bridge.pendingCount())

	reqs := sender.ops(protocol.OpValidationReq)
	require.Len(t, reqs, 1)
	assert.Equal(t, "1234", reqs[0].(protocol.ValidationReq).GuildOrChannelID)
}

func TestBridgeCachesValidChannels(t *testing.T) {
	sender := &recordingSender{}
	bridge, _ := newTestBridge(t, sender, 50*time.Millisecond)

	bridge.ProvideValidation("41771983423143937", "555", true)

	ok, err := bridge.VoiceChannelExists("555")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = bridge.HasPermissionInChannel("555", 1<<20)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, sender.messages())
}

func TestBridgeInvalidChannelIsNotCached(t *testing.T) {
	sender := &recordingSender{}
	bridge, _ := newTestBridge(t, sender, 50*time.Millisecond)

	bridge.ProvideValidation("41771983423143937", "555", false)

	_, err := bridge.VoiceChannelExists("555")
	assert.True(t, errors.Is(err, types.ErrRequestTimeout))
	assert.Len(t, sender.ops(protocol.OpValidationReq), 1)
}

func TestBridgeIsConnected(t *testing.T) {
	sender := &recordingSender{}
	bridge, _ := newTestBridge(t, sender, 5*time.Second)
	sender.onSend = func(msg protocol.Message) {
		if req, ok := msg.(protocol.IsConnectedReq); ok {
			assert.Equal(t, 3, req.ShardID)
			go bridge.ProvideIsConnected(true)
		}
	}

	ok, err := bridge.IsConnected()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBridgeCloseFailsWaiters(t *testing.T) {
	sender := &recordingSender{}
	bridge, _ := newTestBridge(t, sender, 5*time.Second)

	errs := make(chan error, 2)
	go func() {
		_, err := bridge.InGuild("41771983423143937")
		errs <- err
	}()
	go func() {
		_, err := bridge.IsConnected()
		errs <- err
	}()

	require.Eventually(t, func() bool { return bridge.pendingCount() == 2 }, time.Second, 5*time.Millisecond)
	bridge.close()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.True(t, errors.Is(err, types.ErrConnectionClosed))
		case <-time.After(time.Second):
			t.Fatal("waiter was not released")
		}
	}

	_, err := bridge.InGuild("41771983423143937")
	assert.True(t, errors.Is(err, types.ErrConnectionClosed))
}

func TestBridgeCancelledContext(t *testing.T) {
	sender := &recordingSender{}
	bridge, cancel := newTestBridge(t, sender, 5*time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := bridge.IsConnected()
		done <- err
	}()
	require.Eventually(t, func() bool { return bridge.pendingCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, types.ErrConnectionClosed))
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestBridgeSendFailure(t *testing.T) {
	sender := &recordingSender{err: types.ErrConnectionClosed}
	bridge, _ := newTestBridge(t, sender, 5*time.Second)

	_, err := bridge.InGuild("41771983423143937")
	assert.True(t, errors.Is(err, types.ErrConnectionClosed))
	assert.Zero(t, bridge.pendingCount())

	assert.Error(t, bridge.SendWS(`{"op":4}`))
}

func TestBridgeSendWS(t *testing.T) {
	sender := &recordingSender{}
	bridge, _ := newTestBridge(t, sender, time.Second)

	require.NoError(t, bridge.SendWS(`{"op":4}`))
	msgs := sender.ops(protocol.OpSendWS)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.NewSendWS(3, `{"op":4}`), msgs[0])
}

func TestPendingResolvesEveryWaiter(t *testing.T) {
	p := newPending[string, bool]()
	a, err := p.register("x")
	require.NoError(t, err)
	b, err := p.register("x")
	require.NoError(t, err)

	assert.Equal(t, 2, p.resolve("x", true))
	assert.True(t, (<-a).value)
	assert.True(t, (<-b).value)
	assert.Zero(t, p.resolve("x", true))
	assert.Zero(t, p.size())
}
