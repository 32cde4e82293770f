package voice

import (
	"encoding/json"

	"github.com/accordlabs/accord/state"
)

// Signalling-socket opcodes.
const (
	OpIdentify           = 0
	OpSelectProtocol     = 1
	OpReady              = 2
	OpHeartbeat          = 3
	OpSessionDescription = 4
	OpSpeaking           = 5
	OpHeartbeatACK       = 6
	OpResume             = 7
	OpHello              = 8
	OpResumed            = 9
)

type frame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

func marshalFrame(op int, d any) (*frame, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return &frame{Op: op, D: raw}, nil
}

type identifyData struct {
	ServerID  state.ID `json:"server_id"`
	UserID    state.ID `json:"user_id"`
	SessionID string   `json:"session_id"`
	Token     string   `json:"token"`
}

type resumeData struct {
	ServerID  state.ID `json:"server_id"`
	SessionID string   `json:"session_id"`
	Token     string   `json:"token"`
}

type helloData struct {
	// Milliseconds; some servers send this as a float.
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type readyData struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

type selectProtocolData struct {
	Protocol string             `json:"protocol"`
	Data     selectProtocolInfo `json:"data"`
}

type selectProtocolInfo struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

type sessionDescriptionData struct {
	Mode      string `json:"mode"`
	SecretKey []byte `json:"secret_key"`
}

type speakingData struct {
	Speaking bool   `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}

// preferredModes, best first. The first one the server also supports is
// selected.
var preferredModes = []string{
	"xsalsa20_poly1305_lite",
	"xsalsa20_poly1305_suffix",
	"xsalsa20_poly1305",
}

func chooseMode(supported []string) string {
	for _, want := range preferredModes {
		for _, have := range supported {
			if want == have {
				return want
			}
		}
	}
	if len(supported) > 0 {
		return supported[0]
	}
	return ""
}

// Close codes after which the call moved or its channel disappeared: the
// server will send a fresh VOICE_SERVER_UPDATE if the call survives, so
// only that is re-awaited.
var potentialReconnectCloseCodes = map[int]bool{
	4014: true, // disconnected: channel deleted, kicked, or region move
	4022: true, // call terminated
}

// Close codes for which retrying the handshake can never succeed.
var fatalVoiceCloseCodes = map[int]string{
	4004: "authentication failed",
	4006: "session no longer valid",
	4016: "unknown encryption mode",
}
