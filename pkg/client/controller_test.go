package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meftunca/voxlink/pkg/audio"
	"github.com/meftunca/voxlink/pkg/balancer"
	"github.com/meftunca/voxlink/pkg/common"
	"github.com/meftunca/voxlink/pkg/protocol"
	"github.com/meftunca/voxlink/pkg/server"
	"github.com/meftunca/voxlink/pkg/types"
)

const (
	guildA   = "81384788765712384"
	password = "youshallnotpass"
)

func quietLogger() common.Logger {
	return common.NewWriterLogger(io.Discard, common.LevelDebug)
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

// recordingGateway validates everything and keeps the relayed frames.
type recordingGateway struct {
	mu     sync.Mutex
	frames []string
	valid  bool
}

func (g *recordingGateway) SendFrame(shardID int, message string) error {
	g.mu.Lock()
	g.frames = append(g.frames, message)
	g.mu.Unlock()
	return nil
}

func (g *recordingGateway) Validate(_ context.Context, id string) (protocol.ValidationResult, error) {
	return protocol.ValidationResult{GuildID: id, Valid: g.valid}, nil
}

func (g *recordingGateway) IsShardConnected(context.Context, int) (bool, error) {
	return true, nil
}

func (g *recordingGateway) relayed() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.frames...)
}

func newTestController(t *testing.T, gw Gateway, opts ...Option) *Controller {
	t.Helper()
	if gw == nil {
		gw = &recordingGateway{valid: true}
	}
	opts = append([]Option{WithLogger(quietLogger()), WithReconnect(10*time.Millisecond, 50*time.Millisecond)}, opts...)
	ctrl, err := New(16, "1", gw, opts...)
	require.NoError(t, err)
	t.Cleanup(ctrl.Shutdown)
	return ctrl
}

func startNode(t *testing.T) (*server.SocketServer, string) {
	t.Helper()
	srv := server.New(server.Options{
		Password:      password,
		StatsInterval: time.Hour,
		SyncTimeout:   time.Second,
	}, server.Dependencies{Logger: quietLogger()})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, wsURL(ts)
}

func waitAvailable(t *testing.T, n *NodeConnection) {
	t.Helper()
	require.Eventually(t, func() bool { return n.Available() && n.Stats() != nil }, 3*time.Second, 5*time.Millisecond)
}

func TestNewRejectsBadArguments(t *testing.T) {
	_, err := New(0, "1", LoggingGateway{})
	assert.True(t, types.IsCode(err, types.ErrCodeInvalidConfig))
	_, err = New(1, "1", nil)
	assert.Error(t, err)
}

func TestControllerDrivesPlayback(t *testing.T) {
	srv, uri := startNode(t)
	ctrl := newTestController(t, nil)

	node, err := ctrl.AddNode("a", uri, password)
	require.NoError(t, err)
	waitAvailable(t, node)
	assert.Equal(t, balancer.NoFrameData, node.Snapshot().DeficitAvg)

	ctx := context.Background()
	require.NoError(t, ctrl.OpenVoiceConnection(ctx, guildA, "200"))
	ch, ok := ctrl.ConnectedChannel(guildA)
	assert.True(t, ok)
	assert.Equal(t, "200", ch)
	require.NoError(t, ctrl.ForwardVoiceServerUpdate(ctx, guildA, "session", json.RawMessage(`{"token":"x"}`)))

	events := make(chan protocol.Event, 4)
	player := ctrl.Player(guildA)
	assert.Same(t, player, ctrl.Player(guildA))
	player.OnEvent(func(ev protocol.Event) { events <- ev })

	track, err := audio.MsgPackTrackCodec{}.Encode(audio.TrackInfo{Identifier: "abc", Length: 180000})
	require.NoError(t, err)
	require.NoError(t, player.Play(ctx, track))
	require.Eventually(t, func() bool { return player.State().Playing }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, track, player.Track())

	require.NoError(t, player.SetVolume(ctx, 50))
	require.NoError(t, player.SetPaused(ctx, true))
	require.Eventually(t, func() bool { return player.State().Paused }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 50, player.Volume())
	assert.True(t, player.Paused())

	require.NoError(t, player.Stop(ctx))
	select {
	case ev := <-events:
		assert.Equal(t, protocol.EventTrackEnd, ev.Type)
		assert.Equal(t, protocol.EndReasonStopped, ev.Reason)
	case <-time.After(3 * time.Second):
		t.Fatal("no track end event")
	}
	assert.Empty(t, player.Track())

	conns := srv.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, 16, conns[0].ShardCount)
	require.Len(t, conns[0].Players, 1)
	assert.Equal(t, guildA, conns[0].Players[0].GuildID)

	require.NoError(t, ctrl.CloseVoiceConnection(ctx, guildA))
	_, ok = ctrl.ConnectedChannel(guildA)
	assert.False(t, ok)
}

func TestPlayKeepsPausedPlayerPaused(t *testing.T) {
	_, uri := startNode(t)
	ctrl := newTestController(t, nil)
	node, err := ctrl.AddNode("a", uri, password)
	require.NoError(t, err)
	waitAvailable(t, node)

	ctx := context.Background()
	player := ctrl.Player(guildA)
	require.NoError(t, player.SetPaused(ctx, true))
	require.Eventually(t, func() bool { return player.State().Paused }, 3*time.Second, 5*time.Millisecond)

	track, err := audio.MsgPackTrackCodec{}.Encode(audio.TrackInfo{Identifier: "abc", Length: 180000})
	require.NoError(t, err)
	require.NoError(t, player.PlayFrom(ctx, track, 5000))
	assert.True(t, player.Paused())

	require.Eventually(t, func() bool { return player.State().Position == 5000 }, 3*time.Second, 5*time.Millisecond)
	assert.True(t, player.Paused())
	assert.False(t, player.State().Playing)
	assert.Equal(t, track, player.Track())
}

func TestBadTrackRaisesException(t *testing.T) {
	_, uri := startNode(t)
	ctrl := newTestController(t, nil)
	node, err := ctrl.AddNode("a", uri, password)
	require.NoError(t, err)
	waitAvailable(t, node)

	events := make(chan protocol.Event, 1)
	player := ctrl.Player(guildA)
	player.OnEvent(func(ev protocol.Event) { events <- ev })
	require.NoError(t, player.Play(context.Background(), "garbage"))

	select {
	case ev := <-events:
		assert.Equal(t, protocol.EventTrackException, ev.Type)
		assert.NotEmpty(t, ev.Error)
	case <-time.After(3 * time.Second):
		t.Fatal("no exception event")
	}
	assert.Empty(t, player.Track())
}

func TestRejectedNodeIsNeverUsed(t *testing.T) {
	_, uri := startNode(t)
	ctrl := newTestController(t, nil)

	node, err := ctrl.AddNode("a", uri, "wrong")
	require.NoError(t, err)

	select {
	case <-node.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("rejected node kept reconnecting")
	}
	assert.False(t, node.Available())

	err = ctrl.Player(guildA).Play(context.Background(), "track")
	assert.True(t, errors.Is(err, types.ErrNoNodes))
	assert.Equal(t, 1.0, testutil.ToFloat64(ctrl.Metrics().resolveFailures))
}

func TestGuildStaysOnItsNode(t *testing.T) {
	_, uriA := startNode(t)
	_, uriB := startNode(t)
	ctrl := newTestController(t, nil)

	a, err := ctrl.AddNode("a", uriA, password)
	require.NoError(t, err)
	b, err := ctrl.AddNode("b", uriB, password)
	require.NoError(t, err)
	waitAvailable(t, a)
	waitAvailable(t, b)

	ctx := context.Background()
	first, err := ctrl.NodeFor(ctx, guildA)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := ctrl.NodeFor(ctx, guildA)
		require.NoError(t, err)
		assert.Same(t, first, again)
	}

	require.NoError(t, ctrl.RemoveNode(first.Name()))
	moved, err := ctrl.NodeFor(ctx, guildA)
	require.NoError(t, err)
	assert.NotEqual(t, first.Name(), moved.Name())
	assert.Len(t, ctrl.Nodes(), 1)
}

func TestDestroyPlayerReleasesAssignment(t *testing.T) {
	srv, uri := startNode(t)
	ctrl := newTestController(t, nil, WithStore(balancer.NewMemoryStore()))
	node, err := ctrl.AddNode("a", uri, password)
	require.NoError(t, err)
	waitAvailable(t, node)

	ctx := context.Background()
	require.NoError(t, ctrl.Player(guildA).SetPaused(ctx, false))
	require.Eventually(t, func() bool {
		conns := srv.Connections()
		return len(conns) == 1 && len(conns[0].Players) == 1
	}, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, ctrl.DestroyPlayer(ctx, guildA))
	_, bound := ctrl.Balancer().Lookup(guildA)
	assert.False(t, bound)
	assert.Empty(t, ctrl.Players())
}

func TestAddAndRemoveNodeErrors(t *testing.T) {
	ctrl := newTestController(t, nil)

	_, err := ctrl.AddNode("a", "ws://127.0.0.1:1", password)
	require.NoError(t, err)
	_, err = ctrl.AddNode("a", "ws://127.0.0.1:1", password)
	assert.True(t, types.IsCode(err, types.ErrCodeNodeExists))

	err = ctrl.RemoveNode("missing")
	assert.True(t, types.IsCode(err, types.ErrCodeNodeNotFound))

	node, ok := ctrl.Node("a")
	require.True(t, ok)
	assert.True(t, errors.Is(node.Send(protocol.NewStop(guildA)), types.ErrConnectionClosed))
	assert.Equal(t, "ws://127.0.0.1:1", node.URI())

	require.NoError(t, ctrl.RemoveNode("a"))
	_, ok = ctrl.Node("a")
	assert.False(t, ok)
}

func TestShutdownRefusesNewNodes(t *testing.T) {
	ctrl, err := New(1, "1", LoggingGateway{Logger: quietLogger()}, WithLogger(quietLogger()))
	require.NoError(t, err)
	ctrl.Shutdown()

	_, err = ctrl.AddNode("a", "ws://127.0.0.1:1", password)
	assert.True(t, errors.Is(err, types.ErrConnectionClosed))
}
