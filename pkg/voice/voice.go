// Package voice describes the voice gateway engine a node drives. The engine
// itself lives outside this module; nodes talk to it through these
// interfaces and it calls back through CoreClient.
package voice

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/meftunca/voxlink/pkg/types"
)

// SendHandler supplies audio frames to a voice connection.
type SendHandler interface {
	CanProvide() bool
	// Provide20MsAudio returns the next 20ms frame.
	Provide20MsAudio() []byte
	IsOpus() bool
}

// AudioManager controls the voice connection of one guild.
type AudioManager interface {
	GuildID() string
	OpenAudioConnection(channelID string) error
	CloseAudioConnection()
	IsConnected() bool
	IsAttemptingToConnect() bool
	SetSendingHandler(h SendHandler)
}

// Core is the voice engine handle of one gateway shard.
type Core interface {
	AudioManager(guildID string) AudioManager
	ProvideVoiceServerUpdate(sessionID string, event json.RawMessage) error
	Client() CoreClient
}

// CoreClient is how a Core asks the controller about the gateway. Every call
// may block until the controller answers or the request times out.
type CoreClient interface {
	SendWS(message string) error
	IsConnected() (bool, error)
	InGuild(guildID string) (bool, error)
	VoiceChannelExists(channelID string) (bool, error)
	HasPermissionInChannel(channelID string, permissions int64) (bool, error)
}

// CoreFactory creates the Core of one shard.
type CoreFactory func(userID string, shardID int, client CoreClient) Core

// ShardForGuild maps a guild snowflake onto one of shardCount shards.
func ShardForGuild(guildID string, shardCount int) (int, error) {
	if shardCount < 1 {
		return 0, types.NewError(types.ErrCodeInvalidMessage, fmt.Sprintf("invalid shard count %d", shardCount))
	}
	id, err := strconv.ParseUint(guildID, 10, 64)
	if err != nil {
		return 0, types.ErrInvalidMessage("guild id is not a snowflake", err).WithDetail("guildId", guildID)
	}
	return int((id >> 22) % uint64(shardCount)), nil
}
