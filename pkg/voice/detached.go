package voice

import (
	"encoding/json"
	"sync"
	"time"
)

// FrameInterval is how often a voice connection asks for audio.
const FrameInterval = 20 * time.Millisecond

// DetachedCore is a Core that is not linked to a real voice gateway. It keeps
// the connection state the control protocol expects and pulls frames from the
// sending handler only when asked, which is enough to run a node without an
// engine and to test one.
type DetachedCore struct {
	userID   string
	shardID  int
	client   CoreClient
	interval time.Duration

	mu       sync.Mutex
	managers map[string]*DetachedAudioManager
	updates  map[string]json.RawMessage
}

// NewDetachedCore is a CoreFactory whose connections never pull audio on
// their own; call Pull to drive them.
func NewDetachedCore(userID string, shardID int, client CoreClient) Core {
	return newDetachedCore(userID, shardID, client, 0)
}

// DetachedCoreFactory returns a CoreFactory whose open connections pull a
// frame from their sending handler every interval.
func DetachedCoreFactory(interval time.Duration) CoreFactory {
	return func(userID string, shardID int, client CoreClient) Core {
		return newDetachedCore(userID, shardID, client, interval)
	}
}

func newDetachedCore(userID string, shardID int, client CoreClient, interval time.Duration) *DetachedCore {
	return &DetachedCore{
		userID:   userID,
		shardID:  shardID,
		client:   client,
		interval: interval,
		managers: make(map[string]*DetachedAudioManager),
		updates:  make(map[string]json.RawMessage),
	}
}

func (c *DetachedCore) AudioManager(guildID string) AudioManager {
	return c.Manager(guildID)
}

// Manager is AudioManager with the concrete type.
func (c *DetachedCore) Manager(guildID string) *DetachedAudioManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.managers[guildID]
	if !ok {
		m = &DetachedAudioManager{guildID: guildID, interval: c.interval}
		c.managers[guildID] = m
	}
	return m
}

func (c *DetachedCore) ProvideVoiceServerUpdate(sessionID string, event json.RawMessage) error {
	c.mu.Lock()
	c.updates[sessionID] = event
	c.mu.Unlock()
	return nil
}

// VoiceServerUpdate returns the last update stored for sessionID.
func (c *DetachedCore) VoiceServerUpdate(sessionID string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.updates[sessionID]
	return ev, ok
}

func (c *DetachedCore) Client() CoreClient { return c.client }

func (c *DetachedCore) ShardID() int { return c.shardID }

// DetachedAudioManager records what the node asked of a guild connection.
type DetachedAudioManager struct {
	guildID  string
	interval time.Duration

	mu        sync.Mutex
	channelID string
	connected bool
	handler   SendHandler
	opens     int
	closes    int
	stop      chan struct{}
}

func (m *DetachedAudioManager) GuildID() string { return m.guildID }

func (m *DetachedAudioManager) OpenAudioConnection(channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelID = channelID
	m.connected = true
	m.opens++
	if m.interval > 0 && m.stop == nil {
		m.stop = make(chan struct{})
		go m.pump(m.stop)
	}
	return nil
}

func (m *DetachedAudioManager) CloseAudioConnection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelID = ""
	m.connected = false
	m.closes++
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}

func (m *DetachedAudioManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// IsAttemptingToConnect is always false; opening is instantaneous.
func (m *DetachedAudioManager) IsAttemptingToConnect() bool { return false }

func (m *DetachedAudioManager) SetSendingHandler(h SendHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// ChannelID returns the channel of the open connection.
func (m *DetachedAudioManager) ChannelID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channelID
}

// Counts returns how often the connection was opened and closed.
func (m *DetachedAudioManager) Counts() (opens, closes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens, m.closes
}

// Pull asks the sending handler for one frame the way a voice engine would
// every 20ms. It returns nil when the handler has nothing to send.
func (m *DetachedAudioManager) Pull() []byte {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil || !h.CanProvide() {
		return nil
	}
	return h.Provide20MsAudio()
}

func (m *DetachedAudioManager) pump(stop <-chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Pull()
		}
	}
}
