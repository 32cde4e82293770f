package state

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accordlabs/accord/dispatch"
)

func newTestCache(t *testing.T, maxMessages int) (*Cache, *dispatch.Dispatcher) {
	t.Helper()
	d := dispatch.New()
	t.Cleanup(d.Close)
	c := NewCache(maxMessages)
	c.Register(d)
	return c, d
}

func feed(d *dispatch.Dispatcher, event, payload string) {
	d.Dispatch(event, json.RawMessage(payload))
}

const readyJSON = `{
	"user": {"id": "42", "username": "selfbot", "bot": true},
	"guilds": [{
		"id": "1", "name": "testers", "owner_id": "100",
		"roles": [{"id": "5", "name": "admin", "permissions": "8", "position": 1}],
		"channels": [
			{"id": "10", "name": "general", "type": 0, "topic": "hello"},
			{"id": "11", "name": "lounge", "type": 2}
		],
		"members": [{
			"user": {"id": "100", "username": "alice"},
			"roles": ["5", "999"],
			"joined_at": "2024-01-02T03:04:05.000000+00:00"
		}]
	}],
	"private_channels": [
		{"id": "20", "type": 1, "recipient": {"id": "200", "username": "bob"}}
	]
}`

func TestReadyBuildsModel(t *testing.T) {
	c, d := newTestCache(t, 0)
	feed(d, dispatch.EventReady, readyJSON)

	require.NotNil(t, c.Me())
	assert.Equal(t, "selfbot", c.Me().Username)

	g := c.Guild(1)
	require.NotNil(t, g)
	assert.Equal(t, "testers", g.Name)
	assert.Len(t, g.Channels, 2)
	assert.Len(t, g.Roles, 1)

	m := c.Member(1, 100)
	require.NotNil(t, m)
	// Role 999 does not exist in the guild and must have been dropped.
	assert.Equal(t, []ID{5}, m.Roles)
	assert.False(t, m.JoinedAt.IsZero())

	dm := c.PrivateChannelWith(200)
	require.NotNil(t, dm)
	assert.True(t, dm.IsPrivate())
	assert.Same(t, dm, c.Channel(20))
}

func TestGuildDeleteCascades(t *testing.T) {
	c, d := newTestCache(t, 0)
	feed(d, dispatch.EventReady, readyJSON)
	feed(d, dispatch.EventMessageCreate, `{"id": "500", "channel_id": "10", "author": {"id": "100"}, "content": "hi"}`)

	require.NotNil(t, c.Message(500))

	feed(d, dispatch.EventChannelDelete, `{"id": "10", "guild_id": "1"}`)
	g := c.Guild(1)
	require.NotNil(t, g)
	assert.Nil(t, g.Channel(10))
	assert.NotNil(t, c.Member(1, 100), "member survives channel delete")

	feed(d, dispatch.EventGuildDelete, `{"id": "1"}`)
	assert.Nil(t, c.Guild(1))
	assert.Nil(t, c.Channel(11))
	assert.Nil(t, c.Message(500), "guild delete purges its messages")

	// Redelivery of the delete is a no-op.
	feed(d, dispatch.EventGuildDelete, `{"id": "1"}`)
	assert.Nil(t, c.Guild(1))
}

func TestGuildUnavailableFlip(t *testing.T) {
	c, d := newTestCache(t, 0)
	feed(d, dispatch.EventReady, readyJSON)

	unavailable := make(chan *Guild, 1)
	available := make(chan *Guild, 1)
	d.Handle(dispatch.TopicGuildUnavailable, func(args ...any) {
		unavailable <- args[0].(*Guild)
	})
	d.Handle(dispatch.TopicGuildAvailable, func(args ...any) {
		available <- args[0].(*Guild)
	})

	feed(d, dispatch.EventGuildDelete, `{"id": "1", "unavailable": true}`)
	g := c.Guild(1)
	require.NotNil(t, g, "outage keeps the guild cached")
	assert.True(t, g.Unavailable)
	assert.Equal(t, "testers", (<-unavailable).Name)

	feed(d, dispatch.EventGuildCreate, `{"id": "1", "name": "testers", "unavailable": false, "channels": [{"id": "10", "name": "general"}]}`)
	g = c.Guild(1)
	require.NotNil(t, g)
	assert.False(t, g.Unavailable)
	assert.Equal(t, "testers", (<-available).Name)
}

// The wire frequently omits the unavailable field on GUILD_CREATE; for a
// guild cached as unavailable that still means "back from outage", not a
// fresh join.
func TestGuildAvailableWithoutExplicitFlag(t *testing.T) {
	_, d := newTestCache(t, 0)
	feed(d, dispatch.EventReady, readyJSON)

	available := make(chan *Guild, 1)
	joined := make(chan *Guild, 1)
	d.Handle(dispatch.TopicGuildAvailable, func(args ...any) {
		available <- args[0].(*Guild)
	})
	d.Handle(dispatch.TopicGuildJoin, func(args ...any) {
		joined <- args[0].(*Guild)
	})

	feed(d, dispatch.EventGuildDelete, `{"id": "1", "unavailable": true}`)
	feed(d, dispatch.EventGuildCreate, `{"id": "1", "name": "testers", "channels": [{"id": "10", "name": "general"}]}`)

	select {
	case g := <-available:
		assert.False(t, g.Unavailable)
	case <-time.After(time.Second):
		t.Fatal("guild_available never dispatched")
	}
	select {
	case <-joined:
		t.Fatal("recovery dispatched guild_join")
	default:
	}
}

func TestRoleDeletePurgesMemberReferences(t *testing.T) {
	c, d := newTestCache(t, 0)
	feed(d, dispatch.EventReady, readyJSON)

	feed(d, dispatch.EventGuildRoleDelete, `{"guild_id": "1", "role_id": "5"}`)

	g := c.Guild(1)
	require.NotNil(t, g)
	assert.Nil(t, g.Role(5))
	assert.Empty(t, c.Member(1, 100).Roles)

	// Second delivery finds nothing and changes nothing.
	feed(d, dispatch.EventGuildRoleDelete, `{"guild_id": "1", "role_id": "5"}`)
	assert.Empty(t, c.Member(1, 100).Roles)
}

func TestMemberUpdateResolvesRoles(t *testing.T) {
	c, d := newTestCache(t, 0)
	feed(d, dispatch.EventReady, readyJSON)

	feed(d, dispatch.EventGuildMemberUpdate, `{"guild_id": "1", "user": {"id": "100", "username": "alice2"}, "nick": "al", "roles": ["5", "777"]}`)

	m := c.Member(1, 100)
	require.NotNil(t, m)
	assert.Equal(t, "alice2", m.User.Username)
	assert.Equal(t, "al", m.Nick)
	assert.Equal(t, []ID{5}, m.Roles)

	// Updates for unknown members are dropped, not synthesized.
	feed(d, dispatch.EventGuildMemberUpdate, `{"guild_id": "1", "user": {"id": "9999"}, "roles": []}`)
	assert.Nil(t, c.Member(1, 9999))
}

func TestMessageRingEvictsOldest(t *testing.T) {
	c, d := newTestCache(t, 3)

	for i := 1; i <= 4; i++ {
		feed(d, dispatch.EventMessageCreate, fmt.Sprintf(`{"id": "%d", "channel_id": "10", "author": {"id": "1"}}`, i))
	}

	assert.Nil(t, c.Message(1), "oldest message evicted at capacity")
	msgs := c.Messages()
	require.Len(t, msgs, 3)
	for i, want := range []ID{2, 3, 4} {
		assert.Equal(t, want, msgs[i].ID)
	}
}

func TestMessageEditKeepsSnapshots(t *testing.T) {
	c, d := newTestCache(t, 0)
	feed(d, dispatch.EventMessageCreate, `{"id": "500", "channel_id": "10", "author": {"id": "100"}, "content": "draft"}`)

	type edit struct{ before, after *Message }
	edits := make(chan edit, 1)
	d.Handle(dispatch.TopicMessageEdit, func(args ...any) {
		edits <- edit{args[0].(*Message), args[1].(*Message)}
	})

	feed(d, dispatch.EventMessageUpdate, `{"id": "500", "channel_id": "10", "content": "final", "edited_timestamp": "2024-06-01T00:00:00+00:00"}`)

	e := <-edits
	assert.Equal(t, "draft", e.before.Content)
	assert.Equal(t, "final", e.after.Content)
	assert.True(t, e.before.EditedAt.IsZero())
	assert.False(t, e.after.EditedAt.IsZero())
	assert.Same(t, e.after, c.Message(500), "cache holds the new snapshot")

	// Updates for unbuffered messages are dropped.
	feed(d, dispatch.EventMessageUpdate, `{"id": "777", "channel_id": "10", "content": "ghost"}`)
	assert.Nil(t, c.Message(777))
}

func TestMessageDeleteIdempotent(t *testing.T) {
	c, d := newTestCache(t, 0)
	feed(d, dispatch.EventMessageCreate, `{"id": "500", "channel_id": "10", "author": {"id": "1"}}`)

	deleted := make(chan *Message, 2)
	d.Handle(dispatch.TopicMessageDelete, func(args ...any) {
		deleted <- args[0].(*Message)
	})

	feed(d, dispatch.EventMessageDelete, `{"id": "500", "channel_id": "10"}`)
	assert.Nil(t, c.Message(500))
	assert.Equal(t, ID(500), (<-deleted).ID)

	// Redelivery finds nothing, emits nothing.
	feed(d, dispatch.EventMessageDelete, `{"id": "500", "channel_id": "10"}`)
	select {
	case m := <-deleted:
		t.Fatalf("second delete dispatched %v", m.ID)
	default:
	}
}

func TestVoiceStateMovesRosters(t *testing.T) {
	c, d := newTestCache(t, 0)
	feed(d, dispatch.EventReady, readyJSON)

	feed(d, dispatch.EventVoiceStateUpdate, `{"guild_id": "1", "channel_id": "11", "user_id": "100", "session_id": "abc"}`)

	g := c.Guild(1)
	assert.Contains(t, g.Channel(11).VoiceMembers, ID(100))
	assert.Equal(t, ID(11), c.Member(1, 100).VoiceChannelID)

	// Leaving: null channel clears the roster entry.
	feed(d, dispatch.EventVoiceStateUpdate, `{"guild_id": "1", "channel_id": null, "user_id": "100", "session_id": "abc"}`)
	assert.NotContains(t, g.Channel(11).VoiceMembers, ID(100))
	assert.Zero(t, c.Member(1, 100).VoiceChannelID)
}

func TestPresenceUpdateMergesTransientFields(t *testing.T) {
	c, d := newTestCache(t, 0)
	feed(d, dispatch.EventReady, readyJSON)

	feed(d, dispatch.EventPresenceUpdate, `{"guild_id": "1", "user": {"id": "100"}, "status": "online", "game": {"name": "chess"}}`)
	m := c.Member(1, 100)
	assert.Equal(t, "online", m.Status)
	assert.Equal(t, "chess", m.Activity)
	assert.Equal(t, "alice", m.User.Username, "empty partial user fields do not clobber")

	feed(d, dispatch.EventPresenceUpdate, `{"guild_id": "1", "user": {"id": "100"}, "status": "idle"}`)
	assert.Equal(t, "idle", m.Status)
	assert.Empty(t, m.Activity)
}

func TestReplayDeterminism(t *testing.T) {
	stream := []struct{ event, payload string }{
		{dispatch.EventReady, readyJSON},
		{dispatch.EventMessageCreate, `{"id": "500", "channel_id": "10", "author": {"id": "100"}, "content": "one"}`},
		{dispatch.EventChannelCreate, `{"id": "12", "guild_id": "1", "name": "extra", "type": 0}`},
		{dispatch.EventMessageUpdate, `{"id": "500", "content": "two"}`},
		{dispatch.EventGuildRoleDelete, `{"guild_id": "1", "role_id": "5"}`},
		{dispatch.EventChannelDelete, `{"id": "10", "guild_id": "1"}`},
	}

	run := func() *Cache {
		c, d := newTestCache(t, 0)
		for _, s := range stream {
			feed(d, s.event, s.payload)
		}
		return c
	}

	a, b := run(), run()
	assert.Equal(t, len(a.Guilds()), len(b.Guilds()))
	assert.Equal(t, a.Guild(1).Name, b.Guild(1).Name)
	assert.Equal(t, len(a.Guild(1).Channels), len(b.Guild(1).Channels))
	assert.Equal(t, a.Member(1, 100).Roles, b.Member(1, 100).Roles)
	assert.Equal(t, a.Message(500).Content, b.Message(500).Content)
	assert.Equal(t, "two", a.Message(500).Content)
}
