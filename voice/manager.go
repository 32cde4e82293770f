// Package voice negotiates and supervises per-call media transports: the
// join request on the control channel, the two gating events that answer
// it, the signalling websocket handshake, and UDP IP discovery.
package voice

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/accordlabs/accord/dispatch"
	"github.com/accordlabs/accord/state"
)

// ControlSender requests voice state changes on the control channel. The
// gateway session implements it; the answers come back asynchronously as
// VOICE_STATE_UPDATE and VOICE_SERVER_UPDATE events.
type ControlSender interface {
	SendVoiceState(guildID, channelID state.ID, selfMute, selfDeaf bool) error
}

// Manager routes the two gating events to the right per-guild connection
// and owns the connection registry. One instance exists per client.
type Manager struct {
	control ControlSender
	logger  *slog.Logger

	mu     sync.Mutex
	userID state.ID
	conns  map[state.ID]*Connection
}

// NewManager subscribes to the gating events on d. Subscriptions are raw
// handlers: the voice subsystem needs the payloads before and regardless
// of cache mutation.
func NewManager(control ControlSender, d *dispatch.Dispatcher) *Manager {
	m := &Manager{
		control: control,
		logger:  slog.Default().With("component", "voice"),
		conns:   make(map[state.ID]*Connection),
	}
	d.HandleRaw(dispatch.EventReady, m.onReady)
	d.HandleRaw(dispatch.EventVoiceStateUpdate, m.onVoiceState)
	d.HandleRaw(dispatch.EventVoiceServerUpdate, m.onVoiceServer)
	return m
}

type stateEvent struct {
	sessionID string
	channelID state.ID
}

type serverEvent struct {
	token    string
	endpoint string
}

func rawPayload(args []any) (json.RawMessage, bool) {
	if len(args) == 0 {
		return nil, false
	}
	switch v := args[0].(type) {
	case json.RawMessage:
		return v, true
	case []byte:
		return json.RawMessage(v), true
	}
	return nil, false
}

func (m *Manager) onReady(event string, args ...any) {
	raw, ok := rawPayload(args)
	if !ok {
		return
	}
	var p struct {
		User struct {
			ID state.ID `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	m.mu.Lock()
	m.userID = p.User.ID
	m.mu.Unlock()
}

// onVoiceState forwards the client's own voice state to the connection for
// that guild. Other users' voice states are the cache's business, not ours.
func (m *Manager) onVoiceState(event string, args ...any) {
	raw, ok := rawPayload(args)
	if !ok {
		return
	}
	var p struct {
		GuildID   state.ID `json:"guild_id"`
		ChannelID state.ID `json:"channel_id"`
		UserID    state.ID `json:"user_id"`
		SessionID string   `json:"session_id"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	m.mu.Lock()
	self := m.userID
	conn := m.conns[p.GuildID]
	m.mu.Unlock()
	if conn == nil || (self != 0 && p.UserID != self) {
		return
	}
	conn.deliverState(stateEvent{sessionID: p.SessionID, channelID: p.ChannelID})
}

func (m *Manager) onVoiceServer(event string, args ...any) {
	raw, ok := rawPayload(args)
	if !ok {
		return
	}
	var p struct {
		GuildID  state.ID `json:"guild_id"`
		Token    string   `json:"token"`
		Endpoint string   `json:"endpoint"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	if p.Endpoint == "" {
		// The server is reallocating the call; a usable assignment follows.
		m.logger.Debug("ignoring empty voice endpoint", "guild_id", p.GuildID)
		return
	}

	m.mu.Lock()
	conn := m.conns[p.GuildID]
	m.mu.Unlock()
	if conn == nil {
		return
	}
	conn.deliverServer(serverEvent{token: p.Token, endpoint: p.Endpoint})
}

// Join connects to a voice channel and blocks until the media path is
// established or the attempt fails. Joining a guild with an existing
// connection moves it to the new channel instead.
func (m *Manager) Join(ctx context.Context, guildID, channelID state.ID, opts Options) (*Connection, error) {
	m.mu.Lock()
	self := m.userID
	if existing := m.conns[guildID]; existing != nil {
		m.mu.Unlock()
		if err := existing.MoveTo(channelID); err != nil {
			return nil, err
		}
		return existing, nil
	}
	c := newConnection(m, guildID, channelID, self, opts)
	m.conns[guildID] = c
	m.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		m.remove(guildID)
		return nil, err
	}
	return c, nil
}

// Connection returns the active connection for a guild, or nil.
func (m *Manager) Connection(guildID state.ID) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[guildID]
}

// Leave disconnects the guild's voice connection, if any.
func (m *Manager) Leave(guildID state.ID) {
	m.mu.Lock()
	conn := m.conns[guildID]
	m.mu.Unlock()
	if conn != nil {
		conn.Disconnect()
	}
}

// Close disconnects every active connection.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Disconnect()
	}
}

func (m *Manager) remove(guildID state.ID) {
	m.mu.Lock()
	delete(m.conns, guildID)
	m.mu.Unlock()
}
