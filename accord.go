// Package accord is a client for a real-time chat and voice platform: a
// resumable gateway session, an incremental entity cache, one-shot event
// waiters, and per-guild voice connections, composed behind one Client.
package accord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/accordlabs/accord/config"
	"github.com/accordlabs/accord/dispatch"
	"github.com/accordlabs/accord/gateway"
	"github.com/accordlabs/accord/rest"
	"github.com/accordlabs/accord/state"
	"github.com/accordlabs/accord/voice"
)

// Client ties the subsystems together. Construct with New, register
// handlers, then call Run.
type Client struct {
	cfg    *config.Config
	events *dispatch.Dispatcher
	cache  *state.Cache
	rest   *rest.Client
	voice  *voice.Manager
	logger *slog.Logger

	mu      sync.Mutex
	session *gateway.Session
}

// New validates cfg and assembles a client. No network activity happens
// until Run.
func New(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := dispatch.New()
	cache := state.NewCache(cfg.Cache.MaxMessages)
	cache.Register(d)

	c := &Client{
		cfg:    cfg,
		events: d,
		cache:  cache,
		rest:   rest.NewClient(cfg.API.BaseURL, cfg.Token),
		logger: slog.Default().With("component", "client"),
	}
	// The manager talks to the gateway through the client so it can be
	// wired up before the session exists.
	c.voice = voice.NewManager(c, d)
	return c, nil
}

// Run resolves the gateway endpoint, connects, and blocks until ctx is
// cancelled, Close is called, or the session fails fatally.
func (c *Client) Run(ctx context.Context) error {
	url := c.cfg.API.GatewayURL
	if url == "" {
		resolved, err := c.rest.GatewayURL(ctx)
		if err != nil {
			return fmt.Errorf("accord: resolve gateway endpoint: %w", err)
		}
		url = resolved
	}

	s := gateway.NewSession(gateway.Config{
		Token:   c.cfg.Token,
		Intents: c.cfg.Intents,
		Shard:   [2]int{c.cfg.Shard.Index, c.cfg.Shard.Count},
		URL:     url,
	}, c.events)

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	err := s.Run(ctx)
	c.voice.Close()
	return err
}

// Close shuts down the session, voice connections, and dispatcher.
func (c *Client) Close() {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s != nil {
		s.Close()
	}
	c.voice.Close()
	c.events.Close()
}

// On registers the handler for a derived event topic (see the dispatch
// package's Topic constants). The handler runs on its own goroutine.
func (c *Client) On(event string, fn dispatch.Handler) {
	c.events.Handle(event, fn)
}

// OnRaw registers a handler for a wire event, invoked with the raw payload
// before the cache is mutated.
func (c *Client) OnRaw(event string, fn dispatch.RawHandler) {
	c.events.HandleRaw(event, fn)
}

// OnError replaces the hook that receives panics recovered from handlers.
func (c *Client) OnError(hook dispatch.ErrorHook) {
	c.events.SetErrorHook(hook)
}

// WaitFor blocks until an event matching the predicate is dispatched or
// the timeout elapses.
func (c *Client) WaitFor(ctx context.Context, event string, predicate dispatch.Predicate, timeout time.Duration) ([]any, error) {
	return c.events.WaitFor(ctx, event, predicate, timeout)
}

// Cache exposes the read API over the in-memory model.
func (c *Client) Cache() *state.Cache { return c.cache }

// Session returns the gateway session, or nil before Run.
func (c *Client) Session() *gateway.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SendVoiceState implements voice.ControlSender by delegating to the
// running gateway session.
func (c *Client) SendVoiceState(guildID, channelID state.ID, selfMute, selfDeaf bool) error {
	s := c.Session()
	if s == nil {
		return gateway.ErrNotConnected
	}
	return s.SendVoiceState(guildID, channelID, selfMute, selfDeaf)
}

// JoinVoice connects to a voice channel and blocks until the media path is
// up.
func (c *Client) JoinVoice(ctx context.Context, guildID, channelID state.ID) (*voice.Connection, error) {
	if c.Session() == nil {
		return nil, errors.New("accord: not connected")
	}
	return c.voice.Join(ctx, guildID, channelID, voice.Options{
		Timeout:    c.cfg.Voice.Timeout,
		MaxRetries: c.cfg.Voice.MaxRetries,
	})
}

// VoiceConnection returns the guild's active voice connection, or nil.
func (c *Client) VoiceConnection(guildID state.ID) *voice.Connection {
	return c.voice.Connection(guildID)
}

// LeaveVoice disconnects the guild's voice connection, if any.
func (c *Client) LeaveVoice(guildID state.ID) {
	c.voice.Leave(guildID)
}

// UpdatePresence publishes status and an optional activity name.
func (c *Client) UpdatePresence(status, activity string) error {
	s := c.Session()
	if s == nil {
		return gateway.ErrNotConnected
	}
	return s.UpdatePresence(status, activity)
}

// RequestGuildMembers asks the gateway to stream a guild's member list.
func (c *Client) RequestGuildMembers(guildID state.ID, query string, limit int) error {
	s := c.Session()
	if s == nil {
		return gateway.ErrNotConnected
	}
	return s.RequestGuildMembers(guildID, query, limit)
}
