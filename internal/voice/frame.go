package voice

import (
	"encoding/json"
	"fmt"

	"github.com/MrWong99/voxgate/pkg/errs"
)

// Opcode is a voice gateway opcode.
type Opcode int

// Voice gateway opcodes (version 4).
const (
	OpIdentify           Opcode = 0
	OpSelectProtocol     Opcode = 1
	OpReady              Opcode = 2
	OpHeartbeat          Opcode = 3
	OpSessionDescription Opcode = 4
	OpSpeaking           Opcode = 5
	OpHeartbeatAck       Opcode = 6
	OpResume             Opcode = 7
	OpHello              Opcode = 8
	OpResumed            Opcode = 9
	OpClientDisconnect   Opcode = 13
)

func (o Opcode) String() string {
	switch o {
	case OpIdentify:
		return "IDENTIFY"
	case OpSelectProtocol:
		return "SELECT_PROTOCOL"
	case OpReady:
		return "READY"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpSessionDescription:
		return "SESSION_DESCRIPTION"
	case OpSpeaking:
		return "SPEAKING"
	case OpHeartbeatAck:
		return "HEARTBEAT_ACK"
	case OpResume:
		return "RESUME"
	case OpHello:
		return "HELLO"
	case OpResumed:
		return "RESUMED"
	case OpClientDisconnect:
		return "CLIENT_DISCONNECT"
	default:
		return fmt.Sprintf("Opcode(%d)", int(o))
	}
}

// Voice close codes.
const (
	CloseUnknownOpcode         = 4001
	CloseFailedToDecode        = 4002
	CloseNotAuthenticated      = 4003
	CloseAuthenticationFailed  = 4004
	CloseAlreadyAuthenticated  = 4005
	CloseSessionInvalid        = 4006
	CloseSessionTimeout        = 4009
	CloseServerNotFound        = 4011
	CloseUnknownProtocol       = 4012
	CloseDisconnected          = 4014
	CloseServerCrashed         = 4015
	CloseUnknownEncryptionMode = 4016
)

// Frame is one voice gateway message.
type Frame struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d"`
}

// Encode builds the wire form of a frame.
func Encode(op Opcode, payload any) ([]byte, error) {
	d, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.New(errs.KindProtocol, "voice.encode", fmt.Errorf("%s: %w", op, err))
	}
	b, err := json.Marshal(Frame{Op: op, D: d})
	if err != nil {
		return nil, errs.New(errs.KindProtocol, "voice.encode", fmt.Errorf("%s: %w", op, err))
	}
	return b, nil
}

// Decode parses one inbound message.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errs.New(errs.KindProtocol, "voice.decode", err)
	}
	return f, nil
}

// Hello is op 8. The interval is fractional milliseconds.
type Hello struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

// Identify is op 0.
type Identify struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// Ready is op 2.
type Ready struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

// SelectProtocol is op 1.
type SelectProtocol struct {
	Protocol string             `json:"protocol"`
	Data     SelectProtocolData `json:"data"`
}

// SelectProtocolData carries the discovered external address.
type SelectProtocolData struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Mode    string `json:"mode"`
}

// SessionDescription is op 4.
type SessionDescription struct {
	Mode      string   `json:"mode"`
	SecretKey [32]byte `json:"secret_key"`
}

// Speaking is op 5.
type Speaking struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}

// Resume is op 7.
type Resume struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// speakingMicrophone is the speaking flag for normal voice audio.
const speakingMicrophone = 1
