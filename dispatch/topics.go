package dispatch

// Wire-level event names as they appear in the t field of gateway dispatch
// frames. The cache registers its mutation handlers under these names.
const (
	EventReady             = "READY"
	EventResumed           = "RESUMED"
	EventGuildCreate       = "GUILD_CREATE"
	EventGuildUpdate       = "GUILD_UPDATE"
	EventGuildDelete       = "GUILD_DELETE"
	EventChannelCreate     = "CHANNEL_CREATE"
	EventChannelUpdate     = "CHANNEL_UPDATE"
	EventChannelDelete     = "CHANNEL_DELETE"
	EventGuildMemberAdd    = "GUILD_MEMBER_ADD"
	EventGuildMemberUpdate = "GUILD_MEMBER_UPDATE"
	EventGuildMemberRemove = "GUILD_MEMBER_REMOVE"
	EventGuildRoleCreate   = "GUILD_ROLE_CREATE"
	EventGuildRoleUpdate   = "GUILD_ROLE_UPDATE"
	EventGuildRoleDelete   = "GUILD_ROLE_DELETE"
	EventMessageCreate     = "MESSAGE_CREATE"
	EventMessageUpdate     = "MESSAGE_UPDATE"
	EventMessageDelete     = "MESSAGE_DELETE"
	EventPresenceUpdate    = "PRESENCE_UPDATE"
	EventVoiceStateUpdate  = "VOICE_STATE_UPDATE"
	EventVoiceServerUpdate = "VOICE_SERVER_UPDATE"
	EventTypingStart       = "TYPING_START"
	EventUserUpdate        = "USER_UPDATE"
)

// Derived event names dispatched by the cache once its model has been
// mutated. Handlers for these receive cache entities instead of raw
// payloads.
const (
	TopicReady            = "ready"
	TopicResumed          = "resumed"
	TopicMessage          = "message"
	TopicMessageEdit      = "message_edit"
	TopicMessageDelete    = "message_delete"
	TopicGuildJoin        = "guild_join"
	TopicGuildUpdate      = "guild_update"
	TopicGuildRemove      = "guild_remove"
	TopicGuildAvailable   = "guild_available"
	TopicGuildUnavailable = "guild_unavailable"
	TopicChannelCreate    = "channel_create"
	TopicChannelUpdate    = "channel_update"
	TopicChannelDelete    = "channel_delete"
	TopicMemberJoin       = "member_join"
	TopicMemberUpdate     = "member_update"
	TopicMemberRemove     = "member_remove"
	TopicRoleCreate       = "role_create"
	TopicRoleUpdate       = "role_update"
	TopicRoleDelete       = "role_delete"
	TopicVoiceStateUpdate = "voice_state_update"
	TopicTyping           = "typing"
	TopicDisconnect       = "disconnect"
)
