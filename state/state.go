// Package state projects the gateway's event stream into an in-memory
// model of guilds, channels, members, roles and recent messages.
//
// The model has exactly one writer: the dispatch-driven update path. Every
// handler runs synchronously inside Dispatcher.Dispatch before waiters and
// user callbacks observe the event, so reads made from handlers always see
// a fully applied update. Reads may happen concurrently from any goroutine
// and never block on the network.
package state

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/accordlabs/accord/dispatch"
)

// DefaultMaxMessages is the capacity of the process-wide message buffer
// when none is configured.
const DefaultMaxMessages = 5000

// Cache is the incremental in-memory model. All mutation happens through
// the handlers registered with Register; duplicate delivery of any event is
// harmless.
type Cache struct {
	mu sync.RWMutex

	user               *User
	guilds             map[ID]*Guild
	privateChannels    map[ID]*Channel
	privateByRecipient map[ID]*Channel
	messages           *messageRing

	events *dispatch.Dispatcher
	logger *slog.Logger
}

// NewCache returns an empty cache holding at most maxMessages messages
// (DefaultMaxMessages if <= 0).
func NewCache(maxMessages int) *Cache {
	c := &Cache{
		logger: slog.Default().With("component", "state"),
	}
	c.messages = newMessageRing(maxMessages)
	c.reset(maxMessages)
	return c
}

func (c *Cache) reset(maxMessages int) {
	c.user = nil
	c.guilds = make(map[ID]*Guild)
	c.privateChannels = make(map[ID]*Channel)
	c.privateByRecipient = make(map[ID]*Channel)
	c.messages = newMessageRing(maxMessages)
}

// Register binds one mutation handler per wire event. The mapping is
// explicit and fixed at registration; there is no name-based resolution at
// dispatch time.
func (c *Cache) Register(d *dispatch.Dispatcher) {
	c.events = d
	handlers := map[string]func(json.RawMessage){
		dispatch.EventReady:             c.handleReady,
		dispatch.EventResumed:           c.handleResumed,
		dispatch.EventGuildCreate:       c.handleGuildCreate,
		dispatch.EventGuildUpdate:       c.handleGuildUpdate,
		dispatch.EventGuildDelete:       c.handleGuildDelete,
		dispatch.EventChannelCreate:     c.handleChannelCreate,
		dispatch.EventChannelUpdate:     c.handleChannelUpdate,
		dispatch.EventChannelDelete:     c.handleChannelDelete,
		dispatch.EventGuildMemberAdd:    c.handleMemberAdd,
		dispatch.EventGuildMemberUpdate: c.handleMemberUpdate,
		dispatch.EventGuildMemberRemove: c.handleMemberRemove,
		dispatch.EventGuildRoleCreate:   c.handleRoleCreate,
		dispatch.EventGuildRoleUpdate:   c.handleRoleUpdate,
		dispatch.EventGuildRoleDelete:   c.handleRoleDelete,
		dispatch.EventMessageCreate:     c.handleMessageCreate,
		dispatch.EventMessageUpdate:     c.handleMessageUpdate,
		dispatch.EventMessageDelete:     c.handleMessageDelete,
		dispatch.EventPresenceUpdate:    c.handlePresenceUpdate,
		dispatch.EventVoiceStateUpdate:  c.handleVoiceStateUpdate,
		dispatch.EventTypingStart:       c.handleTypingStart,
		dispatch.EventUserUpdate:        c.handleUserUpdate,
	}
	for event, fn := range handlers {
		fn := fn
		d.RegisterCacheHandler(event, func(args ...any) {
			raw, ok := payloadArg(args)
			if !ok {
				return
			}
			fn(raw)
		})
	}
}

func payloadArg(args []any) (json.RawMessage, bool) {
	if len(args) == 0 {
		return nil, false
	}
	switch v := args[0].(type) {
	case json.RawMessage:
		return v, true
	case []byte:
		return json.RawMessage(v), true
	default:
		return nil, false
	}
}

func (c *Cache) emit(event string, args ...any) {
	if c.events != nil {
		c.events.Dispatch(event, args...)
	}
}

// --- wire payloads ---

type readyPayload struct {
	User            User             `json:"user"`
	Guilds          []guildPayload   `json:"guilds"`
	PrivateChannels []channelPayload `json:"private_channels"`
}

type guildPayload struct {
	ID          ID                  `json:"id"`
	Name        string              `json:"name"`
	OwnerID     ID                  `json:"owner_id"`
	Unavailable *bool               `json:"unavailable"`
	Roles       []Role              `json:"roles"`
	Members     []memberPayload     `json:"members"`
	Channels    []channelPayload    `json:"channels"`
	Presences   []presencePayload   `json:"presences"`
	VoiceStates []voiceStatePayload `json:"voice_states"`
}

type channelPayload struct {
	ID        ID     `json:"id"`
	GuildID   ID     `json:"guild_id"`
	Name      string `json:"name"`
	Type      int    `json:"type"`
	Topic     string `json:"topic"`
	Position  int    `json:"position"`
	Recipient *User  `json:"recipient"`
}

type memberPayload struct {
	GuildID  ID     `json:"guild_id"`
	User     User   `json:"user"`
	Nick     string `json:"nick"`
	Roles    []ID   `json:"roles"`
	JoinedAt string `json:"joined_at"`
	Deaf     bool   `json:"deaf"`
	Mute     bool   `json:"mute"`
}

type memberRemovePayload struct {
	GuildID ID   `json:"guild_id"`
	User    User `json:"user"`
}

type rolePayload struct {
	GuildID ID   `json:"guild_id"`
	Role    Role `json:"role"`
}

type roleDeletePayload struct {
	GuildID ID `json:"guild_id"`
	RoleID  ID `json:"role_id"`
}

type presencePayload struct {
	GuildID ID     `json:"guild_id"`
	User    User   `json:"user"`
	Status  string `json:"status"`
	Game    *struct {
		Name string `json:"name"`
	} `json:"game"`
}

type voiceStatePayload struct {
	GuildID   ID     `json:"guild_id"`
	ChannelID ID     `json:"channel_id"`
	UserID    ID     `json:"user_id"`
	SessionID string `json:"session_id"`
	Deaf      bool   `json:"deaf"`
	Mute      bool   `json:"mute"`
	SelfDeaf  bool   `json:"self_deaf"`
	SelfMute  bool   `json:"self_mute"`
}

type messagePayload struct {
	ID              ID                `json:"id"`
	ChannelID       ID                `json:"channel_id"`
	Author          User              `json:"author"`
	Content         string            `json:"content"`
	Timestamp       string            `json:"timestamp"`
	EditedTimestamp string            `json:"edited_timestamp"`
	TTS             bool              `json:"tts"`
	Pinned          bool              `json:"pinned"`
	Mentions        []User            `json:"mentions"`
	Embeds          []json.RawMessage `json:"embeds"`
}

// messageUpdatePayload uses pointers so that only fields actually present
// in the update are applied to the prior snapshot.
type messageUpdatePayload struct {
	ID              ID                `json:"id"`
	ChannelID       ID                `json:"channel_id"`
	Content         *string           `json:"content"`
	EditedTimestamp *string           `json:"edited_timestamp"`
	TTS             *bool             `json:"tts"`
	Pinned          *bool             `json:"pinned"`
	Mentions        []User            `json:"mentions"`
	Embeds          []json.RawMessage `json:"embeds"`
}

type messageDeletePayload struct {
	ID        ID `json:"id"`
	ChannelID ID `json:"channel_id"`
}

type typingPayload struct {
	ChannelID ID    `json:"channel_id"`
	UserID    ID    `json:"user_id"`
	Timestamp int64 `json:"timestamp"`
}

type guildDeletePayload struct {
	ID          ID    `json:"id"`
	Unavailable *bool `json:"unavailable"`
}

// --- handlers ---

func (c *Cache) handleReady(raw json.RawMessage) {
	var p readyPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Error("decode READY", "error", err)
		return
	}

	c.mu.Lock()
	c.reset(len(c.messages.buf))
	u := p.User
	c.user = &u
	for i := range p.Guilds {
		c.insertGuild(&p.Guilds[i])
	}
	for i := range p.PrivateChannels {
		c.insertPrivateChannel(&p.PrivateChannels[i])
	}
	c.mu.Unlock()

	c.emit(dispatch.TopicReady)
}

// handleResumed has nothing to mutate: a resume replays missed dispatches
// individually. It only surfaces the derived topic.
func (c *Cache) handleResumed(json.RawMessage) {
	c.emit(dispatch.TopicResumed)
}

// insertGuild builds a Guild from a full guild payload. Caller holds the
// write lock.
func (c *Cache) insertGuild(p *guildPayload) *Guild {
	g := &Guild{
		ID:       p.ID,
		Name:     p.Name,
		OwnerID:  p.OwnerID,
		Channels: make(map[ID]*Channel, len(p.Channels)),
		Members:  make(map[ID]*Member, len(p.Members)),
		Roles:    make(map[ID]*Role, len(p.Roles)),
	}
	if p.Unavailable != nil {
		g.Unavailable = *p.Unavailable
	}
	for i := range p.Roles {
		r := p.Roles[i]
		g.Roles[r.ID] = &r
	}
	for i := range p.Channels {
		ch := newChannel(&p.Channels[i], g.ID)
		g.Channels[ch.ID] = ch
	}
	for i := range p.Members {
		m := newMember(&p.Members[i], g)
		g.Members[m.User.ID] = m
	}
	for i := range p.Presences {
		applyPresence(g, &p.Presences[i])
	}
	for i := range p.VoiceStates {
		applyVoiceState(g, &p.VoiceStates[i])
	}
	c.guilds[g.ID] = g
	return g
}

func newChannel(p *channelPayload, guildID ID) *Channel {
	return &Channel{
		ID:           p.ID,
		GuildID:      guildID,
		Name:         p.Name,
		Type:         p.Type,
		Topic:        p.Topic,
		Position:     p.Position,
		Recipient:    p.Recipient,
		VoiceMembers: make(map[ID]struct{}),
	}
}

// newMember resolves the payload's role ids against the guild, dropping any
// that no longer exist.
func newMember(p *memberPayload, g *Guild) *Member {
	m := &Member{
		User:     p.User,
		GuildID:  g.ID,
		Nick:     p.Nick,
		JoinedAt: parseTimestamp(p.JoinedAt),
		Deaf:     p.Deaf,
		Mute:     p.Mute,
	}
	m.Roles = resolveRoles(g, p.Roles)
	return m
}

func resolveRoles(g *Guild, ids []ID) []ID {
	out := make([]ID, 0, len(ids))
	for _, id := range ids {
		if _, ok := g.Roles[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func applyPresence(g *Guild, p *presencePayload) *Member {
	m := g.Members[p.User.ID]
	if m == nil {
		return nil
	}
	m.Status = p.Status
	if p.Game != nil {
		m.Activity = p.Game.Name
	} else {
		m.Activity = ""
	}
	if p.User.Username != "" {
		m.User.Username = p.User.Username
	}
	if p.User.Avatar != "" {
		m.User.Avatar = p.User.Avatar
	}
	return m
}

// applyVoiceState moves a member between voice channel rosters. Both the
// old and the new channel are updated in the same mutation.
func applyVoiceState(g *Guild, p *voiceStatePayload) *Member {
	m := g.Members[p.UserID]
	if m == nil {
		return nil
	}
	if old := g.Channels[m.VoiceChannelID]; old != nil {
		delete(old.VoiceMembers, p.UserID)
	}
	m.VoiceChannelID = p.ChannelID
	m.Deaf = p.Deaf || p.SelfDeaf
	m.Mute = p.Mute || p.SelfMute
	if next := g.Channels[p.ChannelID]; next != nil {
		if next.VoiceMembers == nil {
			next.VoiceMembers = make(map[ID]struct{})
		}
		next.VoiceMembers[p.UserID] = struct{}{}
	}
	return m
}

func (c *Cache) insertPrivateChannel(p *channelPayload) *Channel {
	ch := newChannel(p, 0)
	c.privateChannels[ch.ID] = ch
	if ch.Recipient != nil {
		c.privateByRecipient[ch.Recipient.ID] = ch
	}
	return ch
}

func (c *Cache) handleGuildCreate(raw json.RawMessage) {
	var p guildPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Error("decode GUILD_CREATE", "error", err)
		return
	}

	c.mu.Lock()
	// An omitted unavailable field means available on the wire.
	incomingUnavailable := p.Unavailable != nil && *p.Unavailable
	if existing := c.guilds[p.ID]; existing != nil && existing.Unavailable && !incomingUnavailable {
		// A known guild coming back from an outage, not a join.
		g := c.insertGuild(&p)
		g.Unavailable = false
		c.mu.Unlock()
		c.emit(dispatch.TopicGuildAvailable, g)
		return
	}
	if incomingUnavailable {
		// Joined a guild that is currently down; a full GUILD_CREATE
		// follows once it recovers.
		c.mu.Unlock()
		return
	}
	g := c.insertGuild(&p)
	c.mu.Unlock()

	c.emit(dispatch.TopicGuildJoin, g)
}

func (c *Cache) handleGuildUpdate(raw json.RawMessage) {
	var p guildPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Error("decode GUILD_UPDATE", "error", err)
		return
	}

	c.mu.Lock()
	g := c.guilds[p.ID]
	if g == nil {
		c.mu.Unlock()
		return
	}
	before := *g
	g.Name = p.Name
	if p.OwnerID != 0 {
		g.OwnerID = p.OwnerID
	}
	c.mu.Unlock()

	c.emit(dispatch.TopicGuildUpdate, &before, g)
}

func (c *Cache) handleGuildDelete(raw json.RawMessage) {
	var p guildDeletePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Error("decode GUILD_DELETE", "error", err)
		return
	}

	c.mu.Lock()
	g := c.guilds[p.ID]
	if g == nil {
		c.mu.Unlock()
		return
	}
	if p.Unavailable != nil && *p.Unavailable {
		g.Unavailable = true
		c.mu.Unlock()
		c.emit(dispatch.TopicGuildUnavailable, g)
		return
	}
	delete(c.guilds, p.ID)
	// Owned entities die with the guild, including its cached messages.
	c.messages.removeIf(func(m *Message) bool { return m.GuildID == p.ID })
	c.mu.Unlock()

	c.emit(dispatch.TopicGuildRemove, g)
}

func (c *Cache) handleChannelCreate(raw json.RawMessage) {
	var p channelPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Error("decode CHANNEL_CREATE", "error", err)
		return
	}

	c.mu.Lock()
	var ch *Channel
	if p.GuildID == 0 {
		ch = c.insertPrivateChannel(&p)
	} else if g := c.guilds[p.GuildID]; g != nil {
		ch = newChannel(&p, g.ID)
		g.Channels[ch.ID] = ch
	}
	c.mu.Unlock()

	if ch != nil {
		c.emit(dispatch.TopicChannelCreate, ch)
	}
}

func (c *Cache) handleChannelUpdate(raw json.RawMessage) {
	var p channelPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Error("decode CHANNEL_UPDATE", "error", err)
		return
	}

	c.mu.Lock()
	ch := c.lookupChannel(p.ID)
	if ch == nil {
		c.mu.Unlock()
		return
	}
	before := *ch
	ch.Name = p.Name
	ch.Topic = p.Topic
	ch.Position = p.Position
	c.mu.Unlock()

	c.emit(dispatch.TopicChannelUpdate, &before, ch)
}

func (c *Cache) handleChannelDelete(raw json.RawMessage) {
	var p channelPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Error("decode CHANNEL_DELETE", "error", err)
		return
	}

	c.mu.Lock()
	var ch *Channel
	if p.GuildID == 0 {
		ch = c.privateChannels[p.ID]
		if ch != nil {
			delete(c.privateChannels, p.ID)
			if ch.Recipient != nil {
				delete(c.privateByRecipient, ch.Recipient.ID)
			}
		}
	} else if g := c.guilds[p.GuildID]; g != nil {
		ch = g.Channels[p.ID]
		if ch != nil {
			delete(g.Channels, p.ID)
			// Members can no longer point at the deleted voice channel.
			for _, m := range g.Members {
				if m.VoiceChannelID == p.ID {
					m.VoiceChannelID = 0
				}
			}
		}
	}
	c.mu.Unlock()

	if ch != nil {
		c.emit(dispatch.TopicChannelDelete, ch)
	}
}

func (c *Cache) handleMemberAdd(raw json.RawMessage) {
	var p memberPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Error("decode GUILD_MEMBER_ADD", "error", err)
		return
	}

	c.mu.Lock()
	g := c.guilds[p.GuildID]
	if g == nil {
		c.mu.Unlock()
		return
	}
	m := newMember(&p, g)
	g.Members[m.User.ID] = m
	c.mu.Unlock()

	c.emit(dispatch.TopicMemberJoin, m)
}

func (c *Cache) handleMemberUpdate(raw json.RawMessage) {
	var p memberPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Error("decode GUILD_MEMBER_UPDATE", "error", err)
		return
	}

	c.mu.Lock()
	g := c.guilds[p.GuildID]
	if g == nil {
		c.mu.Unlock()
		return
	}
	m := g.Members[p.User.ID]
	if m == nil {
		c.mu.Unlock()
		return
	}
	before := *m
	m.User = p.User
	m.Nick = p.Nick
	m.Roles = resolveRoles(g, p.Roles)
	c.mu.Unlock()

	c.emit(dispatch.TopicMemberUpdate, &before, m)
}

func (c *Cache) handleMemberRemove(raw json.RawMessage) {
	var p memberRemovePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Error("decode GUILD_MEMBER_REMOVE", "error", err)
		return
	}

	c.mu.Lock()
	g := c.guilds[p.GuildID]
	if g == nil {
		c.mu.Unlock()
		return
	}
	m := g.Members[p.User.ID]
	if m == nil {
		c.mu.Unlock()
		return
	}
	delete(g.Members, p.User.ID)
	if ch := g.Channels[m.VoiceChannelID]; ch != nil {
		delete(ch.VoiceMembers, p.User.ID)
	}
	c.mu.Unlock()

	c.emit(dispatch.TopicMemberRemove, m)
}

func (c *Cache) handleRoleCreate(raw json.RawMessage) {
	var p rolePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Error("decode GUILD_ROLE_CREATE", "error", err)
		return
	}

	c.mu.Lock()
	g := c.guilds[p.GuildID]
	if g == nil {
		c.mu.Unlock()
		return
	}
	r := p.Role
	g.Roles[r.ID] = &r
	c.mu.Unlock()

	c.emit(dispatch.TopicRoleCreate, g, &r)
}

func (c *Cache) handleRoleUpdate(raw json.RawMessage) {
	var p rolePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Error("decode GUILD_ROLE_UPDATE", "error", err)
		return
	}

	c.mu.Lock()
	g := c.guilds[p.GuildID]
	if g == nil {
		c.mu.Unlock()
		return
	}
	r := g.Roles[p.Role.ID]
	if r == nil {
		c.mu.Unlock()
		return
	}
	before := *r
	*r = p.Role
	c.mu.Unlock()

	c.emit(dispatch.TopicRoleUpdate, &before, r)
}

// handleRoleDelete removes the role and strips it from every member that
// held it, in the same update, so no member references a dead role id.
func (c *Cache) handleRoleDelete(raw json.RawMessage) {
	var p roleDeletePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Error("decode GUILD_ROLE_DELETE", "error", err)
		return
	}

	c.mu.Lock()
	g := c.guilds[p.GuildID]
	if g == nil {
		c.mu.Unlock()
		return
	}
	r := g.Roles[p.RoleID]
	if r == nil {
		c.mu.Unlock()
		return
	}
	delete(g.Roles, p.RoleID)
	for _, m := range g.Members {
		for i, id := range m.Roles {
			if id == p.RoleID {
				m.Roles = append(m.Roles[:i], m.Roles[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()

	c.emit(dispatch.TopicRoleDelete, g, r)
}

func (c *Cache) handleMessageCreate(raw json.RawMessage) {
	var p messagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Error("decode MESSAGE_CREATE", "error", err)
		return
	}

	c.mu.Lock()
	m := &Message{
		ID:        p.ID,
		ChannelID: p.ChannelID,
		Author:    p.Author,
		Content:   p.Content,
		Timestamp: parseTimestamp(p.Timestamp),
		EditedAt:  parseTimestamp(p.EditedTimestamp),
		TTS:       p.TTS,
		Pinned:    p.Pinned,
		Mentions:  p.Mentions,
		Embeds:    p.Embeds,
	}
	if ch := c.lookupChannel(p.ChannelID); ch != nil {
		m.GuildID = ch.GuildID
	}
	c.messages.append(m)
	c.mu.Unlock()

	c.emit(dispatch.TopicMessage, m)
}

// handleMessageUpdate applies the delta to a fresh snapshot. Updates for
// messages that fell out of the buffer (or were never seen) are dropped;
// no partial message is synthesized.
func (c *Cache) handleMessageUpdate(raw json.RawMessage) {
	var p messageUpdatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Error("decode MESSAGE_UPDATE", "error", err)
		return
	}

	c.mu.Lock()
	before := c.messages.find(p.ID)
	if before == nil {
		c.mu.Unlock()
		return
	}
	after := applyMessageDelta(before, &p)
	c.messages.replace(p.ID, after)
	c.mu.Unlock()

	c.emit(dispatch.TopicMessageEdit, before, after)
}

// applyMessageDelta copies the prior snapshot and applies only the fields
// present in the update. The two snapshots share no mutable substructure.
func applyMessageDelta(before *Message, p *messageUpdatePayload) *Message {
	after := *before
	after.Mentions = append([]User(nil), before.Mentions...)
	after.Embeds = append([]json.RawMessage(nil), before.Embeds...)

	if p.Content != nil {
		after.Content = *p.Content
	}
	if p.EditedTimestamp != nil {
		after.EditedAt = parseTimestamp(*p.EditedTimestamp)
	}
	if p.TTS != nil {
		after.TTS = *p.TTS
	}
	if p.Pinned != nil {
		after.Pinned = *p.Pinned
	}
	if p.Mentions != nil {
		after.Mentions = p.Mentions
	}
	if p.Embeds != nil {
		after.Embeds = p.Embeds
	}
	return &after
}

func (c *Cache) handleMessageDelete(raw json.RawMessage) {
	var p messageDeletePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Error("decode MESSAGE_DELETE", "error", err)
		return
	}

	c.mu.Lock()
	m := c.messages.find(p.ID)
	if m == nil {
		c.mu.Unlock()
		return
	}
	c.messages.remove(p.ID)
	c.mu.Unlock()

	c.emit(dispatch.TopicMessageDelete, m)
}

func (c *Cache) handlePresenceUpdate(raw json.RawMessage) {
	var p presencePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Error("decode PRESENCE_UPDATE", "error", err)
		return
	}

	c.mu.Lock()
	g := c.guilds[p.GuildID]
	if g == nil {
		c.mu.Unlock()
		return
	}
	var before Member
	if m := g.Members[p.User.ID]; m != nil {
		before = *m
	}
	m := applyPresence(g, &p)
	c.mu.Unlock()

	if m != nil {
		c.emit(dispatch.TopicMemberUpdate, &before, m)
	}
}

func (c *Cache) handleVoiceStateUpdate(raw json.RawMessage) {
	var p voiceStatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Error("decode VOICE_STATE_UPDATE", "error", err)
		return
	}

	c.mu.Lock()
	g := c.guilds[p.GuildID]
	if g == nil {
		c.mu.Unlock()
		return
	}
	m := applyVoiceState(g, &p)
	c.mu.Unlock()

	if m != nil {
		c.emit(dispatch.TopicVoiceStateUpdate, m)
	}
}

func (c *Cache) handleTypingStart(raw json.RawMessage) {
	var p typingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Error("decode TYPING_START", "error", err)
		return
	}

	c.mu.RLock()
	ch := c.lookupChannel(p.ChannelID)
	c.mu.RUnlock()
	if ch == nil {
		return
	}

	c.emit(dispatch.TopicTyping, ch, p.UserID, time.Unix(p.Timestamp, 0).UTC())
}

func (c *Cache) handleUserUpdate(raw json.RawMessage) {
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		c.logger.Error("decode USER_UPDATE", "error", err)
		return
	}

	c.mu.Lock()
	c.user = &u
	c.mu.Unlock()
}

// lookupChannel searches guild channels then private channels. Caller
// holds at least a read lock.
func (c *Cache) lookupChannel(id ID) *Channel {
	for _, g := range c.guilds {
		if ch := g.Channels[id]; ch != nil {
			return ch
		}
	}
	return c.privateChannels[id]
}

// --- read API ---

// Me returns the connected user, or nil before READY.
func (c *Cache) Me() *User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// Guild returns the guild with the given id, or nil.
func (c *Cache) Guild(id ID) *Guild {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.guilds[id]
}

// Guilds returns all cached guilds.
func (c *Cache) Guilds() []*Guild {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Guild, 0, len(c.guilds))
	for _, g := range c.guilds {
		out = append(out, g)
	}
	return out
}

// Channel returns the channel with the given id from any guild or the
// private channel list, or nil.
func (c *Cache) Channel(id ID) *Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookupChannel(id)
}

// Channels enumerates every known channel across guilds plus private
// channels.
func (c *Cache) Channels() []*Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Channel
	for _, g := range c.guilds {
		for _, ch := range g.Channels {
			out = append(out, ch)
		}
	}
	for _, ch := range c.privateChannels {
		out = append(out, ch)
	}
	return out
}

// PrivateChannelWith returns the direct-message channel for a recipient
// user id, or nil.
func (c *Cache) PrivateChannelWith(userID ID) *Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.privateByRecipient[userID]
}

// Member returns the member of guildID with the given user id, or nil.
func (c *Cache) Member(guildID, userID ID) *Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if g := c.guilds[guildID]; g != nil {
		return g.Members[userID]
	}
	return nil
}

// Members enumerates every member across all guilds.
func (c *Cache) Members() []*Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Member
	for _, g := range c.guilds {
		for _, m := range g.Members {
			out = append(out, m)
		}
	}
	return out
}

// Message returns the buffered message with the given id, or nil.
func (c *Cache) Message(id ID) *Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messages.find(id)
}

// Messages returns the buffered messages, oldest first.
func (c *Cache) Messages() []*Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messages.all()
}
