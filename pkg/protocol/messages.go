package protocol

import "encoding/json"

// Header is the part every message shares; decode it first to learn the op.
type Header struct {
	Op Op `json:"op"`
}

// Operation returns the op of the message.
func (h Header) Operation() Op { return h.Op }

// Message is implemented by every payload in this package.
type Message interface {
	Operation() Op
}

// Connect asks the node to open a voice connection for a guild.
type Connect struct {
	Header
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId"`
}

// Disconnect asks the node to close the guild's voice connection.
type Disconnect struct {
	Header
	GuildID string `json:"guildId"`
}

// VoiceUpdate forwards a voice server update from the gateway.
type VoiceUpdate struct {
	Header
	GuildID   string          `json:"guildId"`
	SessionID string          `json:"sessionId"`
	Event     json.RawMessage `json:"event"`
}

// ValidationRes answers a ValidationReq.
type ValidationRes struct {
	Header
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId,omitempty"`
	Valid     bool   `json:"valid"`
}

// IsConnectedRes answers an IsConnectedReq.
type IsConnectedRes struct {
	Header
	ShardID   int  `json:"shardId"`
	Connected bool `json:"connected"`
}

// Play starts a track on the guild's player.
type Play struct {
	Header
	GuildID   string `json:"guildId"`
	Track     string `json:"track"`
	StartTime int64  `json:"startTime,omitempty"`
}

// Stop stops the guild's player.
type Stop struct {
	Header
	GuildID string `json:"guildId"`
}

// Pause pauses or resumes the guild's player.
type Pause struct {
	Header
	GuildID string `json:"guildId"`
	Pause   bool   `json:"pause"`
}

// Seek moves the playing track to Position milliseconds.
type Seek struct {
	Header
	GuildID  string `json:"guildId"`
	Position int64  `json:"position"`
}

// Volume sets the player volume, 0..1000 with 100 as unity.
type Volume struct {
	Header
	GuildID string `json:"guildId"`
	Volume  int    `json:"volume"`
}

// SendWS asks the controller to relay a raw frame on a gateway shard.
type SendWS struct {
	Header
	ShardID int    `json:"shardId"`
	Message string `json:"message"`
}

// ValidationReq asks whether a guild or channel is valid for the bot.
type ValidationReq struct {
	Header
	GuildOrChannelID string `json:"guildOrChannelId"`
}

// IsConnectedReq asks whether a gateway shard is connected.
type IsConnectedReq struct {
	Header
	ShardID int `json:"shardId"`
}

// PlayerState is the player snapshot carried by PlayerUpdate.
type PlayerState struct {
	Time     int64 `json:"time"`
	Position int64 `json:"position"`
	Playing  bool  `json:"playing"`
	Paused   bool  `json:"paused"`
	Volume   int   `json:"volume"`
}

// PlayerUpdate reports the state of one guild's player.
type PlayerUpdate struct {
	Header
	GuildID string      `json:"guildId"`
	State   PlayerState `json:"state"`
}

// Memory is the memory section of a stats report, in bytes.
type Memory struct {
	Free       uint64 `json:"free"`
	Used       uint64 `json:"used"`
	Allocated  uint64 `json:"allocated"`
	Reservable uint64 `json:"reservable"`
}

// CPU is the cpu section of a stats report. Loads are 0..1.
type CPU struct {
	Cores        int     `json:"cores"`
	SystemLoad   float64 `json:"systemLoad"`
	LavalinkLoad float64 `json:"lavalinkLoad"`
}

// FrameStats holds per-player averages over the last full minute.
type FrameStats struct {
	Sent    int `json:"sent"`
	Nulled  int `json:"nulled"`
	Deficit int `json:"deficit"`
}

// Stats is the periodic health report of a node.
type Stats struct {
	Header
	Players        int         `json:"players"`
	PlayingPlayers int         `json:"playingPlayers"`
	Uptime         int64       `json:"uptime"`
	Memory         Memory      `json:"memory"`
	CPU            CPU         `json:"cpu"`
	FrameStats     *FrameStats `json:"frameStats,omitempty"`
}

// EventType names a player event.
type EventType string

const (
	EventTrackEnd       EventType = "TrackEndEvent"
	EventTrackException EventType = "TrackExceptionEvent"
)

// Track end reasons.
const (
	EndReasonFinished = "FINISHED"
	EndReasonStopped  = "STOPPED"
	EndReasonReplaced = "REPLACED"
	EndReasonCleanup  = "CLEANUP"
	EndReasonFailed   = "LOAD_FAILED"
)

// Event reports something that happened to a guild's player.
type Event struct {
	Header
	Type    EventType `json:"type"`
	GuildID string    `json:"guildId"`
	Track   string    `json:"track,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// ValidationResult is what the controller side knows about a guild or channel.
type ValidationResult struct {
	GuildID   string
	ChannelID string
	Valid     bool
}

func NewConnect(guildID, channelID string) Connect {
	return Connect{Header: Header{Op: OpConnect}, GuildID: guildID, ChannelID: channelID}
}

func NewDisconnect(guildID string) Disconnect {
	return Disconnect{Header: Header{Op: OpDisconnect}, GuildID: guildID}
}

func NewVoiceUpdate(guildID, sessionID string, event json.RawMessage) VoiceUpdate {
	return VoiceUpdate{Header: Header{Op: OpVoiceUpdate}, GuildID: guildID, SessionID: sessionID, Event: event}
}

func NewValidationRes(r ValidationResult) ValidationRes {
	return ValidationRes{Header: Header{Op: OpValidationRes}, GuildID: r.GuildID, ChannelID: r.ChannelID, Valid: r.Valid}
}

func NewIsConnectedRes(shardID int, connected bool) IsConnectedRes {
	return IsConnectedRes{Header: Header{Op: OpIsConnectedRes}, ShardID: shardID, Connected: connected}
}

func NewPlay(guildID, track string) Play {
	return Play{Header: Header{Op: OpPlay}, GuildID: guildID, Track: track}
}

func NewStop(guildID string) Stop {
	return Stop{Header: Header{Op: OpStop}, GuildID: guildID}
}

func NewPause(guildID string, pause bool) Pause {
	return Pause{Header: Header{Op: OpPause}, GuildID: guildID, Pause: pause}
}

func NewSeek(guildID string, position int64) Seek {
	return Seek{Header: Header{Op: OpSeek}, GuildID: guildID, Position: position}
}

func NewVolume(guildID string, volume int) Volume {
	return Volume{Header: Header{Op: OpVolume}, GuildID: guildID, Volume: volume}
}

func NewSendWS(shardID int, message string) SendWS {
	return SendWS{Header: Header{Op: OpSendWS}, ShardID: shardID, Message: message}
}

func NewValidationReq(guildOrChannelID string) ValidationReq {
	return ValidationReq{Header: Header{Op: OpValidationReq}, GuildOrChannelID: guildOrChannelID}
}

func NewIsConnectedReq(shardID int) IsConnectedReq {
	return IsConnectedReq{Header: Header{Op: OpIsConnectedReq}, ShardID: shardID}
}

func NewPlayerUpdate(guildID string, state PlayerState) PlayerUpdate {
	return PlayerUpdate{Header: Header{Op: OpPlayerUpdate}, GuildID: guildID, State: state}
}

// NewTrackEnd builds a TrackEndEvent.
func NewTrackEnd(guildID, track, reason string) Event {
	return Event{Header: Header{Op: OpEvent}, Type: EventTrackEnd, GuildID: guildID, Track: track, Reason: reason}
}

// NewTrackException builds a TrackExceptionEvent from a handler failure.
func NewTrackException(guildID, track string, err error) Event {
	ev := Event{Header: Header{Op: OpEvent}, Type: EventTrackException, GuildID: guildID, Track: track}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
