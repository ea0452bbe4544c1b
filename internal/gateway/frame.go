package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/MrWong99/voxgate/pkg/errs"
	"github.com/bwmarrin/discordgo"
)

// Opcode identifies the kind of a gateway frame.
type Opcode int

// Gateway opcodes.
const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
)

// String returns the protocol name of the opcode.
func (o Opcode) String() string {
	switch o {
	case OpDispatch:
		return "DISPATCH"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpIdentify:
		return "IDENTIFY"
	case OpPresenceUpdate:
		return "PRESENCE_UPDATE"
	case OpVoiceStateUpdate:
		return "VOICE_STATE_UPDATE"
	case OpResume:
		return "RESUME"
	case OpReconnect:
		return "RECONNECT"
	case OpRequestGuildMembers:
		return "REQUEST_GUILD_MEMBERS"
	case OpInvalidSession:
		return "INVALID_SESSION"
	case OpHello:
		return "HELLO"
	case OpHeartbeatAck:
		return "HEARTBEAT_ACK"
	default:
		return fmt.Sprintf("OP_%d", int(o))
	}
}

// Dispatch event names the runtime itself reacts to.
const (
	EventReady             = "READY"
	EventResumed           = "RESUMED"
	EventVoiceStateUpdate  = "VOICE_STATE_UPDATE"
	EventVoiceServerUpdate = "VOICE_SERVER_UPDATE"
)

// Frame is one gateway message: an opcode plus its payload. S and T are only
// set on dispatch frames.
type Frame struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// outboundFrame is the shape of client-to-server frames.
type outboundFrame struct {
	Op Opcode `json:"op"`
	D  any    `json:"d"`
}

// Encode serialises an outbound frame.
func Encode(op Opcode, payload any) ([]byte, error) {
	data, err := json.Marshal(outboundFrame{Op: op, D: payload})
	if err != nil {
		return nil, errs.New(errs.KindProtocol, "gateway.encode", fmt.Errorf("encode %s: %w", op, err))
	}
	return data, nil
}

// Decode parses an inbound frame. Malformed input is a protocol error.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errs.New(errs.KindProtocol, "gateway.decode", err)
	}
	return f, nil
}

// Hello is the payload of [OpHello].
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// IdentifyProperties describes the client to the server.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Identify is the payload of [OpIdentify].
type Identify struct {
	Token          string                      `json:"token"`
	Properties     IdentifyProperties          `json:"properties"`
	Compress       bool                        `json:"compress"`
	LargeThreshold int                         `json:"large_threshold,omitempty"`
	Shard          [2]int                      `json:"shard"`
	Presence       *discordgo.UpdateStatusData `json:"presence,omitempty"`
	Intents        discordgo.Intent            `json:"intents"`
}

// Resume is the payload of [OpResume].
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

// VoiceStateUpdate is the payload of the [OpVoiceStateUpdate] intent. A nil
// ChannelID leaves the current voice channel.
type VoiceStateUpdate struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// readyPayload is the READY dispatch body. The resume URL is declared here
// because not every discordgo release models it.
type readyPayload struct {
	discordgo.Ready
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

// Event is one decoded dispatch delivered to the application.
type Event struct {
	// ShardID is the shard that received the dispatch.
	ShardID int

	// Type is the dispatch name (e.g. "MESSAGE_CREATE").
	Type string

	// Seq is the dispatch sequence number within the session.
	Seq int64

	// Data is the raw dispatch body.
	Data json.RawMessage
}

// Decode unmarshals the dispatch body into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errs.New(errs.KindProtocol, "gateway.event", fmt.Errorf("decode %s: %w", e.Type, err))
	}
	return nil
}
