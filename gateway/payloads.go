package gateway

import (
	"encoding/json"
	"runtime"

	"github.com/accordlabs/accord/state"
)

// Gateway opcodes. Dispatch and the three hello/heartbeat ops come from the
// server; the rest are client-sent.
const (
	OpDispatch            = 0
	OpHeartbeat           = 1
	OpIdentify            = 2
	OpPresenceUpdate      = 3
	OpVoiceStateUpdate    = 4
	OpResume              = 6
	OpReconnect           = 7
	OpRequestGuildMembers = 8
	OpInvalidSession      = 9
	OpHello               = 10
	OpHeartbeatACK        = 11
)

// Frame is the wire envelope for every gateway message. T and S are only
// present on dispatch frames; D's shape depends on Op and T.
type Frame struct {
	Op int             `json:"op"`
	T  string          `json:"t,omitempty"`
	S  *int64          `json:"s,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

func marshalFrame(op int, d any) (*Frame, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return &Frame{Op: op, D: raw}, nil
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyData struct {
	Token          string             `json:"token"`
	Properties     identifyProperties `json:"properties"`
	Compress       bool               `json:"compress"`
	LargeThreshold int                `json:"large_threshold"`
	Shard          []int              `json:"shard,omitempty"`
	Intents        int                `json:"intents"`
}

func newIdentify(token string, intents int, shard []int) identifyData {
	return identifyData{
		Token: token,
		Properties: identifyProperties{
			OS:      runtime.GOOS,
			Browser: "accord",
			Device:  "accord",
		},
		LargeThreshold: 250,
		Shard:          shard,
		Intents:        intents,
	}
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// readyData is the subset of READY the session itself consumes. The full
// payload still flows to the cache untouched.
type readyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

type presenceData struct {
	Since      *int64         `json:"since"`
	Activities []presenceGame `json:"activities"`
	Status     string         `json:"status"`
	AFK        bool           `json:"afk"`
}

type presenceGame struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

type requestMembersData struct {
	GuildID state.ID `json:"guild_id"`
	Query   string   `json:"query"`
	Limit   int      `json:"limit"`
}

// voiceStateData asks the server to move this client in or out of a voice
// channel. A nil ChannelID encodes as null and means disconnect.
type voiceStateData struct {
	GuildID   state.ID  `json:"guild_id"`
	ChannelID *state.ID `json:"channel_id"`
	SelfMute  bool      `json:"self_mute"`
	SelfDeaf  bool      `json:"self_deaf"`
}

// Close codes for which reconnecting can never succeed. Everything else is
// treated as transient.
var fatalCloseCodes = map[int]string{
	4004: "authentication failed",
	4010: "invalid shard",
	4011: "sharding required",
	4012: "invalid gateway version",
	4013: "invalid intents",
	4014: "disallowed intents",
}

// Close codes after which the session state is invalid and the next
// connection must identify from scratch instead of resuming.
var unresumableCloseCodes = map[int]bool{
	1000: true, // clean close
	4007: true, // invalid sequence
	4009: true, // session timed out
}
