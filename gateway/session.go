// Package gateway maintains the long-lived event websocket: identify,
// heartbeat, dispatch, and transparent resume across disconnects.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/accordlabs/accord/dispatch"
	"github.com/accordlabs/accord/state"
)

var (
	// ErrNotConnected is returned by send operations while no socket is up.
	ErrNotConnected = errors.New("gateway: not connected")

	// errReconnect terminates one connection attempt while keeping the
	// session resumable.
	errReconnect = errors.New("gateway: server requested reconnect")
)

// CloseError is a websocket close received from the server, classified so
// the reconnect loop can tell a transient drop from a configuration error.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("gateway: connection closed: code %d (%s)", e.Code, e.Reason)
}

// Fatal reports whether reconnecting with the same credentials and intents
// can ever succeed.
func (e *CloseError) Fatal() bool {
	_, ok := fatalCloseCodes[e.Code]
	return ok
}

// Config carries the per-session connection parameters.
type Config struct {
	Token   string
	Intents int

	// Shard is [index, count]. A zero count means a single unsharded
	// connection and omits the shard field from identify.
	Shard [2]int

	// URL is the websocket endpoint, normally resolved via the HTTP API
	// before connecting.
	URL string

	HandshakeTimeout time.Duration
}

// Session is one identify-scoped gateway connection. Run owns the socket;
// the send methods may be called from any goroutine.
type Session struct {
	cfg    Config
	events *dispatch.Dispatcher
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	resumeURL string

	writeMu sync.Mutex
	seq     atomic.Int64
	hbAcked atomic.Bool
	closed  atomic.Bool
}

// NewSession wires a session to the dispatcher that will receive its
// events. Run must be called before any send method succeeds.
func NewSession(cfg Config, d *dispatch.Dispatcher) *Session {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	return &Session{
		cfg:    cfg,
		events: d,
		logger: slog.Default().With("component", "gateway"),
	}
}

// Run connects and re-connects until ctx is cancelled, Close is called, or
// the server rejects the session with a fatal close code. Each successful
// identify or resume resets the backoff.
func (s *Session) Run(ctx context.Context) error {
	if s.cfg.Token == "" {
		return errors.New("gateway: token required")
	}
	if s.cfg.URL == "" {
		return errors.New("gateway: endpoint URL required")
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	for {
		err := s.connectOnce(ctx, bo.Reset)
		if s.closed.Load() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var ce *CloseError
		if errors.As(err, &ce) {
			if ce.Fatal() {
				s.logger.Error("gateway rejected session", "code", ce.Code, "reason", ce.Reason)
				return err
			}
			if unresumableCloseCodes[ce.Code] {
				s.clearSession()
			}
		}
		s.events.Dispatch(dispatch.TopicDisconnect, err)

		wait := bo.NextBackOff()
		s.logger.Warn("connection lost, reconnecting", "error", err, "wait", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// connectOnce runs a single connection to completion: dial, hello,
// identify or resume, then the read loop until the socket dies.
func (s *Session) connectOnce(ctx context.Context, onEstablished func()) error {
	addr := s.dialAddr()
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	s.mu.Lock()
	s.conn = conn
	resuming := s.sessionID != ""
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
	}()

	// The server speaks first.
	conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if hello.Op != OpHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil {
		return fmt.Errorf("decode hello: %w", err)
	}
	interval := time.Duration(hd.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		return fmt.Errorf("hello carried heartbeat interval %v", interval)
	}

	if resuming {
		s.logger.Info("resuming session", "seq", s.seq.Load())
		err = s.send(OpResume, resumeData{
			Token:     s.cfg.Token,
			SessionID: s.SessionID(),
			Seq:       s.seq.Load(),
		})
	} else {
		var shard []int
		if s.cfg.Shard[1] > 0 {
			shard = []int{s.cfg.Shard[0], s.cfg.Shard[1]}
		}
		s.logger.Info("identifying", "intents", s.cfg.Intents, "shard", shard)
		err = s.send(OpIdentify, newIdentify(s.cfg.Token, s.cfg.Intents, shard))
	}
	if err != nil {
		return err
	}

	s.hbAcked.Store(true)
	stop := make(chan struct{})
	defer close(stop)
	go s.heartbeat(conn, interval, stop)

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return &CloseError{Code: closeErr.Code, Reason: closeErr.Text}
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if err := s.handleFrame(ctx, &f, onEstablished); err != nil {
			return err
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, f *Frame, onEstablished func()) error {
	switch f.Op {
	case OpDispatch:
		if f.S != nil {
			s.seq.Store(*f.S)
		}
		switch f.T {
		case dispatch.EventReady:
			var rd readyData
			if err := json.Unmarshal(f.D, &rd); err != nil {
				return fmt.Errorf("decode ready: %w", err)
			}
			s.mu.Lock()
			s.sessionID = rd.SessionID
			s.resumeURL = rd.ResumeGatewayURL
			s.mu.Unlock()
			s.logger.Info("session established", "session_id", rd.SessionID)
			onEstablished()
		case dispatch.EventResumed:
			s.logger.Info("session resumed", "seq", s.seq.Load())
			onEstablished()
		}
		s.events.Dispatch(f.T, f.D)

	case OpHeartbeat:
		// Server-requested beat, outside the regular cadence.
		return s.send(OpHeartbeat, s.seq.Load())

	case OpHeartbeatACK:
		s.hbAcked.Store(true)

	case OpReconnect:
		s.logger.Info("server requested reconnect")
		return errReconnect

	case OpInvalidSession:
		var resumable bool
		_ = json.Unmarshal(f.D, &resumable)
		if !resumable {
			s.clearSession()
			// Re-identifying immediately after an invalid session is
			// rejected; wait a randomized 1-5s first.
			wait := time.Duration((1 + 4*rand.Float64()) * float64(time.Second))
			s.logger.Warn("session invalidated, re-identifying", "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return errReconnect

	default:
		s.logger.Debug("ignoring unknown op", "op", f.Op)
	}
	return nil
}

// heartbeat sends the periodic beat until stop closes. A beat sent while
// the previous one is still unacknowledged marks the connection zombied and
// tears it down so Run can resume on a fresh socket.
func (s *Session) heartbeat(conn *websocket.Conn, interval time.Duration, stop <-chan struct{}) {
	// First beat at a random point inside the interval, per protocol.
	timer := time.NewTimer(time.Duration(rand.Float64() * float64(interval)))
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			if !s.hbAcked.Swap(false) {
				s.logger.Warn("heartbeat unacknowledged, dropping zombied connection")
				msg := websocket.FormatCloseMessage(websocket.CloseServiceRestart, "heartbeat ack timeout")
				s.writeMu.Lock()
				conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
				s.writeMu.Unlock()
				conn.Close()
				return
			}
			if err := s.send(OpHeartbeat, s.seq.Load()); err != nil {
				return
			}
			timer.Reset(interval)
		}
	}
}

// dialAddr prefers the resume endpoint when a session exists, and makes
// sure the protocol query parameters are present either way.
func (s *Session) dialAddr() string {
	s.mu.Lock()
	addr := s.cfg.URL
	if s.sessionID != "" && s.resumeURL != "" {
		addr = s.resumeURL
	}
	s.mu.Unlock()

	u, err := url.Parse(addr)
	if err != nil {
		return addr
	}
	if u.RawQuery == "" {
		u.RawQuery = "v=10&encoding=json"
	}
	return u.String()
}

func (s *Session) clearSession() {
	s.mu.Lock()
	s.sessionID = ""
	s.resumeURL = ""
	s.mu.Unlock()
	s.seq.Store(0)
}

// send serializes one frame to the socket. Writes are serialized so the
// heartbeat goroutine and API callers cannot interleave frames.
func (s *Session) send(op int, d any) error {
	f, err := marshalFrame(op, d)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(f)
}

// SessionID returns the current session id, or "" before READY.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Sequence returns the last dispatch sequence number seen.
func (s *Session) Sequence() int64 { return s.seq.Load() }

// UpdatePresence publishes the client's status ("online", "idle", "dnd",
// "invisible") and an optional activity name.
func (s *Session) UpdatePresence(status, activity string) error {
	p := presenceData{Status: status, Activities: []presenceGame{}}
	if activity != "" {
		p.Activities = append(p.Activities, presenceGame{Name: activity})
	}
	return s.send(OpPresenceUpdate, p)
}

// RequestGuildMembers asks the server to stream the member list of a guild
// matching an optional username prefix. Results arrive as
// GUILD_MEMBER_ADD-style chunks through the normal dispatch path.
func (s *Session) RequestGuildMembers(guildID state.ID, query string, limit int) error {
	return s.send(OpRequestGuildMembers, requestMembersData{
		GuildID: guildID,
		Query:   query,
		Limit:   limit,
	})
}

// SendVoiceState requests a voice channel join, move, or (channelID zero)
// disconnect. The server answers over the event stream, not inline.
func (s *Session) SendVoiceState(guildID, channelID state.ID, selfMute, selfDeaf bool) error {
	d := voiceStateData{GuildID: guildID, SelfMute: selfMute, SelfDeaf: selfDeaf}
	if channelID != 0 {
		d.ChannelID = &channelID
	}
	return s.send(OpVoiceStateUpdate, d)
}

// Close shuts the session down for good: the socket closes cleanly and Run
// returns instead of reconnecting.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	s.writeMu.Unlock()
	return conn.Close()
}
