package state

import (
	"encoding/json"
	"strconv"
	"time"
)

// ID is a snowflake identifier. The wire encodes these as decimal strings;
// numbers are accepted too since some payloads are inconsistent about it.
type ID uint64

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = 0
		return nil
	}
	s := string(b)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" {
		*id = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	*id = ID(v)
	return nil
}

// User is an account on the platform.
type User struct {
	ID            ID     `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Avatar        string `json:"avatar"`
	Bot           bool   `json:"bot"`
}

// Role is a set of permissions grantable to guild members. Owned by its
// guild.
type Role struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	Permissions uint64 `json:"permissions,string"`
	Color       int    `json:"color"`
	Hoist       bool   `json:"hoist"`
	Position    int    `json:"position"`
}

// Member is a user's membership in one guild. GuildID and Roles are
// non-owning references; Roles only ever contains IDs that resolve inside
// the same guild's role map.
type Member struct {
	User     User      `json:"user"`
	GuildID  ID        `json:"-"`
	Nick     string    `json:"nick"`
	Roles    []ID      `json:"roles"`
	JoinedAt time.Time `json:"-"`
	Deaf     bool      `json:"deaf"`
	Mute     bool      `json:"mute"`

	// Transient presence and voice fields, updated in place by
	// PRESENCE_UPDATE and VOICE_STATE_UPDATE.
	Status         string `json:"-"`
	Activity       string `json:"-"`
	VoiceChannelID ID     `json:"-"`
}

// Channel is a text or voice channel. GuildID is zero for private
// channels, which instead carry a Recipient.
type Channel struct {
	ID        ID     `json:"id"`
	GuildID   ID     `json:"guild_id"`
	Name      string `json:"name"`
	Type      int    `json:"type"`
	Topic     string `json:"topic"`
	Position  int    `json:"position"`
	Recipient *User  `json:"recipient,omitempty"`

	// VoiceMembers is the roster of users currently in this voice
	// channel, maintained by voice-state updates.
	VoiceMembers map[ID]struct{} `json:"-"`
}

// IsPrivate reports whether the channel is a direct-message channel.
func (c *Channel) IsPrivate() bool { return c.GuildID == 0 }

// Guild owns its channels, members and roles: they are destroyed with it.
type Guild struct {
	ID          ID
	Name        string
	OwnerID     ID
	Unavailable bool

	Channels map[ID]*Channel
	Members  map[ID]*Member
	Roles    map[ID]*Role
}

// Channel returns the guild channel with the given id, or nil.
func (g *Guild) Channel(id ID) *Channel { return g.Channels[id] }

// Member returns the member with the given user id, or nil.
func (g *Guild) Member(userID ID) *Member { return g.Members[userID] }

// Role returns the role with the given id, or nil.
func (g *Guild) Role(id ID) *Role { return g.Roles[id] }

// Message is an immutable snapshot of a chat message. Edits produce a new
// snapshot; ChannelID and Author are non-owning references.
type Message struct {
	ID        ID
	ChannelID ID
	GuildID   ID
	Author    User
	Content   string
	Timestamp time.Time
	EditedAt  time.Time
	TTS       bool
	Pinned    bool
	Mentions  []User
	Embeds    []json.RawMessage
}

// parseTimestamp handles the wire's ISO-8601 timestamps. Empty and null
// values map to the zero time.
func parseTimestamp(s string) time.Time {
	if s == "" || s == "null" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999-07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
