// Package protocol defines the control connection between a controller and
// its worker nodes: operation names, message payloads, handshake headers,
// close codes and the JSON codec used to put them on the wire.
package protocol

// Op selects the operation carried by a message.
type Op string

// Controller -> node operations
const (
	OpConnect        Op = "connect"
	OpDisconnect     Op = "disconnect"
	OpVoiceUpdate    Op = "voiceUpdate"
	OpValidationRes  Op = "validationRes"
	OpIsConnectedRes Op = "isConnectedRes"
	OpPlay           Op = "play"
	OpStop           Op = "stop"
	OpPause          Op = "pause"
	OpSeek           Op = "seek"
	OpVolume         Op = "volume"
)

// Node -> controller operations
const (
	OpSendWS         Op = "sendWS"
	OpValidationReq  Op = "validationReq"
	OpIsConnectedReq Op = "isConnectedReq"
	OpPlayerUpdate   Op = "playerUpdate"
	OpStats          Op = "stats"
	OpEvent          Op = "event"
)

// Handshake headers sent by the controller when it opens a connection.
const (
	HeaderAuthorization = "Authorization"
	HeaderNumShards     = "Num-Shards"
	HeaderUserID        = "User-Id"
)

// Websocket close codes.
const (
	CloseNormal                = 1000
	CloseAuthorizationRejected = 4001
	CloseInternalError         = 4002
)

// CloseReason returns a short human readable name for a close code.
func CloseReason(code int) string {
	switch code {
	case CloseNormal:
		return "normal closure"
	case CloseAuthorizationRejected:
		return "authorization rejected"
	case CloseInternalError:
		return "internal error"
	default:
		return "unknown"
	}
}
