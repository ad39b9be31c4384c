// Package server implements the worker node side of the control protocol.
//
// A controller opens one websocket per node. Each accepted connection gets a
// SocketContext holding the players and shard bridges it created. Inbound
// messages are read on the connection's handler goroutine; replies to the
// node's own sync requests are applied there directly, and every other
// command is handed to a per-connection worker so that a command blocked on a
// sync request never stops the reply it waits for from being read.
package server

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meftunca/voxlink/pkg/audio"
	"github.com/meftunca/voxlink/pkg/common"
	"github.com/meftunca/voxlink/pkg/config"
	"github.com/meftunca/voxlink/pkg/protocol"
	"github.com/meftunca/voxlink/pkg/voice"
)

// Options holds the node settings the server needs.
type Options struct {
	Password          string
	UserID            string
	StatsInterval     time.Duration
	SyncTimeout       time.Duration
	WriteTimeout      time.Duration
	ReadLimit         int64
	CommandBuffer     int
	EnableCompression bool
}

// OptionsFromConfig maps the server section of the config.
func OptionsFromConfig(cfg config.ServerConfig) Options {
	return Options{
		Password:          cfg.Password,
		UserID:            cfg.UserID,
		StatsInterval:     cfg.StatsInterval,
		SyncTimeout:       cfg.SyncTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ReadLimit:         cfg.ReadLimit,
		CommandBuffer:     cfg.CommandBuffer,
		EnableCompression: cfg.EnableDeflate,
	}
}

func (o *Options) setDefaults() {
	if o.StatsInterval <= 0 {
		o.StatsInterval = time.Minute
	}
	if o.SyncTimeout <= 0 {
		o.SyncTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.CommandBuffer <= 0 {
		o.CommandBuffer = 256
	}
}

// Dependencies are the collaborators of a SocketServer. Nil fields get
// working defaults.
type Dependencies struct {
	Codec       protocol.Codec
	Tracks      audio.TrackCodec
	Engine      audio.Engine
	Cores       voice.CoreFactory
	Sampler     CPUSampler
	Metrics     *Metrics
	Logger      common.Logger
	PlayerOpts  []audio.PlayerOption
	StartedTime time.Time
}

// SocketServer accepts control connections from controllers.
type SocketServer struct {
	opts     Options
	codec    protocol.Codec
	tracks   audio.TrackCodec
	engine   audio.Engine
	cores    voice.CoreFactory
	metrics  *Metrics
	logger   common.Logger
	stats    *StatsTask
	upgrader websocket.Upgrader
	playerOp []audio.PlayerOption

	mu       sync.Mutex
	registry map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

type session struct {
	conn *connection
	ctx  *SocketContext
}

type command struct {
	op   protocol.Op
	data []byte
}

// New creates a SocketServer.
func New(opts Options, deps Dependencies) *SocketServer {
	opts.setDefaults()

	if deps.Codec == nil {
		deps.Codec = protocol.NewStandardCodec(config.JSONConfig{})
	}
	if deps.Tracks == nil {
		deps.Tracks = audio.MsgPackTrackCodec{}
	}
	if deps.Engine == nil {
		deps.Engine = audio.SilenceEngine{}
	}
	if deps.Cores == nil {
		deps.Cores = voice.NewDetachedCore
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics("")
	}
	if deps.Logger == nil {
		deps.Logger = common.DefaultLogger
	}
	if deps.StartedTime.IsZero() {
		deps.StartedTime = time.Now()
	}

	return &SocketServer{
		opts:     opts,
		codec:    deps.Codec,
		tracks:   deps.Tracks,
		engine:   deps.Engine,
		cores:    deps.Cores,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With("server"),
		stats:    NewStatsTask(deps.StartedTime, deps.Sampler),
		playerOp: deps.PlayerOpts,
		registry: make(map[string]*session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			EnableCompression: opts.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				return true // controllers are not browsers
			},
		},
	}
}

// ServeHTTP performs the handshake and serves the connection until it closes.
func (s *SocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	s.accept(ws, r.Header, r.RemoteAddr)
}

// accept checks the handshake headers of an upgraded connection and serves it.
func (s *SocketServer) accept(ws *websocket.Conn, header http.Header, remote string) {
	shardCount, err := strconv.Atoi(header.Get(protocol.HeaderNumShards))
	if err != nil || shardCount < 1 {
		s.logger.Errorf("invalid %s header from %s: %q", protocol.HeaderNumShards, remote, header.Get(protocol.HeaderNumShards))
		s.metrics.AuthFailure("num_shards")
		closeRejected(ws, protocol.CloseInternalError, "invalid Num-Shards header")
		return
	}
	if header.Get(protocol.HeaderAuthorization) != s.opts.Password {
		s.logger.Errorf("authentication failed from %s", remote)
		s.metrics.AuthFailure("password")
		closeRejected(ws, protocol.CloseAuthorizationRejected, "Authorization rejected")
		return
	}

	userID := header.Get(protocol.HeaderUserID)
	if userID == "" {
		userID = s.opts.UserID
	}

	sess, ok := s.open(ws, shardCount, userID)
	if !ok {
		// Close ran while this handshake was in flight
		closeRejected(ws, protocol.CloseNormal, "server shutting down")
		return
	}
	s.logger.Infof("connection %s opened from %s with %d shards", sess.conn.id, remote, shardCount)
	s.serve(sess)
}

// open registers a new session. It fails once Close has started.
func (s *SocketServer) open(ws *websocket.Conn, shardCount int, userID string) (*session, bool) {
	id := uuid.NewString()
	logger := s.logger.With(id[:8])
	conn := &connection{
		id:           id,
		ws:           ws,
		codec:        s.codec,
		writeTimeout: s.opts.WriteTimeout,
		metrics:      s.metrics,
		logger:       logger,
	}
	ctx := newSocketContext(contextConfig{
		id:          id,
		shardCount:  shardCount,
		userID:      userID,
		conn:        conn,
		cores:       s.cores,
		engine:      s.engine,
		syncTimeout: s.opts.SyncTimeout,
		metrics:     s.metrics,
		logger:      logger,
		playerOpts:  s.playerOp,
	})
	sess := &session{conn: conn, ctx: ctx}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ctx.cancel()
		return nil, false
	}
	s.registry[id] = sess
	s.mu.Unlock()
	s.metrics.ConnectionOpened()

	ctx.startStats(s.stats, s.opts.StatsInterval, s.observeStats)
	return sess, true
}

func (s *SocketServer) serve(sess *session) {
	ws := sess.conn.ws
	ws.SetReadLimit(s.opts.ReadLimit)

	commands := newCommandQueue(s.opts.CommandBuffer)
	workerDone := make(chan struct{})
	go s.work(sess, commands, workerDone)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warnf("connection %s read error: %v", sess.conn.id, err)
			}
			break
		}
		s.dispatch(sess, data, commands)
	}

	commands.close()
	sess.ctx.cancel()
	<-workerDone

	sess.conn.Close(protocol.CloseNormal, "")
	sess.ctx.Shutdown()

	s.mu.Lock()
	delete(s.registry, sess.conn.id)
	s.mu.Unlock()
	s.metrics.ConnectionClosed()
	s.observeStats(protocol.Stats{})
	s.logger.Infof("connection %s closed", sess.conn.id)
}

// dispatch runs on the read loop and never blocks on the worker. Sync replies
// are applied here; everything else is queued in arrival order.
func (s *SocketServer) dispatch(sess *session, data []byte, commands *commandQueue) {
	op, err := protocol.DecodeOp(s.codec, data)
	if err != nil {
		s.logger.Warnf("ignoring message: %v", err)
		return
	}
	s.metrics.MessageReceived(op)

	switch op {
	case protocol.OpValidationRes:
		msg, err := protocol.Decode[protocol.ValidationRes](s.codec, data)
		if err != nil {
			s.logger.Warnf("ignoring %s: %v", op, err)
			return
		}
		shardID, err := voice.ShardForGuild(msg.GuildID, sess.ctx.ShardCount())
		if err != nil {
			s.logger.Warnf("ignoring %s: %v", op, err)
			return
		}
		sess.ctx.Bridge(shardID).ProvideValidation(msg.GuildID, msg.ChannelID, msg.Valid)

	case protocol.OpIsConnectedRes:
		msg, err := protocol.Decode[protocol.IsConnectedRes](s.codec, data)
		if err != nil {
			s.logger.Warnf("ignoring %s: %v", op, err)
			return
		}
		sess.ctx.Bridge(msg.ShardID).ProvideIsConnected(msg.Connected)

	default:
		if depth := commands.push(command{op: op, data: data}); depth > s.opts.CommandBuffer {
			s.logger.Debugf("connection %s has %d queued commands", sess.conn.id, depth)
		}
	}
}

func (s *SocketServer) work(sess *session, commands *commandQueue, done chan<- struct{}) {
	defer close(done)
	for {
		cmd, ok := commands.pop(sess.ctx.Done())
		if !ok {
			return
		}
		s.execute(sess, cmd)
	}
}

// execute runs one command. Failures are reported for that command only.
func (s *SocketServer) execute(sess *session, cmd command) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("panic handling %s: %v\n%s", cmd.op, r, debug.Stack())
		}
	}()

	var err error
	switch cmd.op {
	case protocol.OpConnect:
		err = s.handleConnect(sess, cmd.data)
	case protocol.OpVoiceUpdate:
		err = s.handleVoiceUpdate(sess, cmd.data)
	case protocol.OpDisconnect:
		err = s.handleDisconnect(sess, cmd.data)
	case protocol.OpPlay:
		err = s.handlePlay(sess, cmd.data)
	case protocol.OpStop:
		err = s.handleStop(sess, cmd.data)
	case protocol.OpPause:
		err = s.handlePause(sess, cmd.data)
	case protocol.OpSeek:
		err = s.handleSeek(sess, cmd.data)
	case protocol.OpVolume:
		err = s.handleVolume(sess, cmd.data)
	default:
		s.logger.Warnf("unexpected operation: %s", cmd.op)
		return
	}
	if err != nil {
		s.logger.Warnf("%s failed: %v", cmd.op, err)
	}
}

func (s *SocketServer) handleConnect(sess *session, data []byte) error {
	msg, err := protocol.Decode[protocol.Connect](s.codec, data)
	if err != nil {
		return err
	}
	core, err := sess.ctx.CoreForGuild(msg.GuildID)
	if err != nil {
		return err
	}
	manager := core.AudioManager(msg.GuildID)
	if manager.IsConnected() || manager.IsAttemptingToConnect() {
		manager.CloseAudioConnection()
		s.logger.Infof("closing the audio connection for guild %s so we can reconnect", msg.GuildID)
	}
	return manager.OpenAudioConnection(msg.ChannelID)
}

func (s *SocketServer) handleVoiceUpdate(sess *session, data []byte) error {
	msg, err := protocol.Decode[protocol.VoiceUpdate](s.codec, data)
	if err != nil {
		return err
	}
	core, err := sess.ctx.CoreForGuild(msg.GuildID)
	if err != nil {
		return err
	}
	return core.ProvideVoiceServerUpdate(msg.SessionID, msg.Event)
}

func (s *SocketServer) handleDisconnect(sess *session, data []byte) error {
	msg, err := protocol.Decode[protocol.Disconnect](s.codec, data)
	if err != nil {
		return err
	}
	core, err := sess.ctx.CoreForGuild(msg.GuildID)
	if err != nil {
		return err
	}
	core.AudioManager(msg.GuildID).CloseAudioConnection()
	return nil
}

func (s *SocketServer) handlePlay(sess *session, data []byte) error {
	msg, err := protocol.Decode[protocol.Play](s.codec, data)
	if err != nil {
		return err
	}
	core, err := sess.ctx.CoreForGuild(msg.GuildID)
	if err != nil {
		return err
	}

	if err := s.play(sess, core, msg); err != nil {
		if sendErr := sess.conn.Send(protocol.NewTrackException(msg.GuildID, msg.Track, err)); sendErr != nil {
			s.logger.Debugf("track exception for %s: %v", msg.GuildID, sendErr)
		}
		return err
	}
	return nil
}

func (s *SocketServer) play(sess *session, core voice.Core, msg protocol.Play) error {
	info, err := s.tracks.Decode(msg.Track)
	if err != nil {
		return err
	}
	player := sess.ctx.Player(msg.GuildID)
	if err := player.Play(msg.Track, info); err != nil {
		return err
	}
	if msg.StartTime > 0 {
		if err := player.SeekTo(msg.StartTime); err != nil {
			s.logger.Warnf("start time for %s: %v", msg.GuildID, err)
		}
	}
	core.AudioManager(msg.GuildID).SetSendingHandler(player)
	return s.sendPlayerUpdate(sess, player)
}

func (s *SocketServer) handleStop(sess *session, data []byte) error {
	msg, err := protocol.Decode[protocol.Stop](s.codec, data)
	if err != nil {
		return err
	}
	if err := s.checkGuild(sess, msg.GuildID); err != nil {
		return err
	}
	sess.ctx.Player(msg.GuildID).Stop()
	return nil
}

func (s *SocketServer) handlePause(sess *session, data []byte) error {
	msg, err := protocol.Decode[protocol.Pause](s.codec, data)
	if err != nil {
		return err
	}
	if err := s.checkGuild(sess, msg.GuildID); err != nil {
		return err
	}
	player := sess.ctx.Player(msg.GuildID)
	player.SetPaused(msg.Pause)
	return s.sendPlayerUpdate(sess, player)
}

func (s *SocketServer) handleSeek(sess *session, data []byte) error {
	msg, err := protocol.Decode[protocol.Seek](s.codec, data)
	if err != nil {
		return err
	}
	if err := s.checkGuild(sess, msg.GuildID); err != nil {
		return err
	}
	player := sess.ctx.Player(msg.GuildID)
	seekErr := player.SeekTo(msg.Position)
	if err := s.sendPlayerUpdate(sess, player); err != nil {
		return err
	}
	return seekErr
}

func (s *SocketServer) handleVolume(sess *session, data []byte) error {
	msg, err := protocol.Decode[protocol.Volume](s.codec, data)
	if err != nil {
		return err
	}
	if err := s.checkGuild(sess, msg.GuildID); err != nil {
		return err
	}
	sess.ctx.Player(msg.GuildID).SetVolume(msg.Volume)
	return nil
}

// checkGuild rejects ids that cannot be mapped to a shard before a player is
// created for them.
func (s *SocketServer) checkGuild(sess *session, guildID string) error {
	_, err := voice.ShardForGuild(guildID, sess.ctx.ShardCount())
	return err
}

func (s *SocketServer) sendPlayerUpdate(sess *session, player *audio.Player) error {
	return sess.conn.Send(protocol.NewPlayerUpdate(player.GuildID(), player.State()))
}

// observeStats refreshes node-wide gauges after a connection reported.
func (s *SocketServer) observeStats(stats protocol.Stats) {
	players, playing := 0, 0
	for _, sess := range s.sessions() {
		all := sess.ctx.Players()
		players += len(all)
		for _, p := range all {
			if p.IsPlaying() {
				playing++
			}
		}
	}
	s.metrics.SetPlayers(players, playing)
	if stats.Op == protocol.OpStats {
		s.metrics.SetFrames(stats.FrameStats)
	}
}

func (s *SocketServer) sessions() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session, 0, len(s.registry))
	for _, sess := range s.registry {
		out = append(out, sess)
	}
	return out
}

// ConnectionCount returns the number of open control connections.
func (s *SocketServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.registry)
}

// Context returns the SocketContext of an open connection.
func (s *SocketServer) Context(id string) (*SocketContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.registry[id]
	if !ok {
		return nil, false
	}
	return sess.ctx, true
}

// PlayerInfo describes one player for the debug endpoint.
type PlayerInfo struct {
	GuildID string               `json:"guildId"`
	Track   string               `json:"track,omitempty"`
	State   protocol.PlayerState `json:"state"`
}

// ConnectionInfo describes one connection for the debug endpoint.
type ConnectionInfo struct {
	ID         string       `json:"id"`
	ShardCount int          `json:"shardCount"`
	UserID     string       `json:"userId"`
	Players    []PlayerInfo `json:"players"`
}

// Connections describes every open connection.
func (s *SocketServer) Connections() []ConnectionInfo {
	sessions := s.sessions()
	out := make([]ConnectionInfo, 0, len(sessions))
	for _, sess := range sessions {
		info := ConnectionInfo{
			ID:         sess.ctx.ID(),
			ShardCount: sess.ctx.ShardCount(),
			UserID:     sess.ctx.UserID(),
			Players:    []PlayerInfo{},
		}
		for _, p := range sess.ctx.Players() {
			track, _, _ := p.Track()
			info.Players = append(info.Players, PlayerInfo{GuildID: p.GuildID(), Track: track, State: p.State()})
		}
		out = append(out, info)
	}
	return out
}

// Close closes every connection with a normal close and waits for their
// handlers to finish. New connections are refused afterwards.
func (s *SocketServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("server already closed")
	}
	s.closed = true
	sessions := make([]*session, 0, len(s.registry))
	for _, sess := range s.registry {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.conn.Close(protocol.CloseNormal, "server shutting down")
	}
	s.wg.Wait()
	s.logger.Infof("closed %d connections", len(sessions))
	return nil
}

// Describe is a one-line summary for logs.
func (s *SocketServer) Describe() string {
	return fmt.Sprintf("codec=%s tracks=%s stats=%s sync_timeout=%s",
		s.codec.Name(), s.tracks.Name(), s.opts.StatsInterval, s.opts.SyncTimeout)
}

var _ voice.CoreClient = (*CoreClient)(nil)
var _ Sender = (*connection)(nil)
