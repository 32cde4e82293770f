package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/accordlabs/accord/state"
)

var (
	// ErrHandshakeTimeout is returned when a gating event or signalling
	// step does not complete within the configured timeout.
	ErrHandshakeTimeout = errors.New("voice: handshake timed out")

	// ErrDisconnected is returned when the connection is torn down while
	// an operation is in flight.
	ErrDisconnected = errors.New("voice: disconnected")
)

// Options tune one connection attempt.
type Options struct {
	SelfMute bool
	SelfDeaf bool

	// Timeout bounds each wait: the gating events, the signalling
	// handshake steps, and IP discovery. Default 30s.
	Timeout time.Duration

	// MaxRetries bounds full reconnect attempts after a recoverable
	// signalling failure. Default 5.
	MaxRetries int

	// NoReconnect makes any unexpected closure terminal.
	NoReconnect bool
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Timeout <= 0 {
		out.Timeout = 30 * time.Second
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 5
	}
	return out
}

// Connection is one guild's voice call: the signalling websocket, the UDP
// media socket, and the flow state that tracks the handshake between them.
type Connection struct {
	manager *Manager
	guildID state.ID
	userID  state.ID
	opts    Options
	logger  *slog.Logger

	mu         sync.Mutex
	flow       FlowState
	channelID  state.ID
	sessionID  string
	token      string
	endpoint   string
	ssrc       uint32
	mode       string
	secretKey  []byte
	publicIP   string
	publicPort uint16
	ws         *websocket.Conn
	udp        *udpConn

	stateCh  chan stateEvent
	serverCh chan serverEvent
	writeMu  sync.Mutex
	hbAcked  atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(m *Manager, guildID, channelID, userID state.ID, opts Options) *Connection {
	return &Connection{
		manager:   m,
		guildID:   guildID,
		userID:    userID,
		opts:      opts.withDefaults(),
		logger:    slog.Default().With("component", "voice", "guild_id", guildID),
		channelID: channelID,
		stateCh:   make(chan stateEvent, 8),
		serverCh:  make(chan serverEvent, 8),
		done:      make(chan struct{}),
	}
}

func (c *Connection) deliverState(ev stateEvent) {
	select {
	case c.stateCh <- ev:
	default:
		c.logger.Warn("dropping voice state event, channel full")
	}
}

func (c *Connection) deliverServer(ev serverEvent) {
	select {
	case c.serverCh <- ev:
	default:
		c.logger.Warn("dropping voice server event, channel full")
	}
}

// Flow returns the current handshake state.
func (c *Connection) Flow() FlowState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flow
}

// GuildID identifies the call's guild.
func (c *Connection) GuildID() state.ID { return c.guildID }

// ChannelID returns the channel the call currently targets.
func (c *Connection) ChannelID() state.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

// SecretKey returns the media encryption key, valid once Flow reports
// connected.
func (c *Connection) SecretKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secretKey
}

// SSRC returns the synchronization source assigned by the server.
func (c *Connection) SSRC() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ssrc
}

func (c *Connection) setFlow(s FlowState) {
	c.mu.Lock()
	prev := c.flow
	c.flow = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Debug("flow transition", "from", prev, "to", s)
	}
}

// connect drives the full join: request, gating events, handshake. On
// success it leaves a supervisor goroutine watching the socket.
func (c *Connection) connect(ctx context.Context) error {
	if err := c.awaitGating(ctx, true); err != nil {
		c.teardown()
		return err
	}
	if err := c.handshake(); err != nil {
		c.teardown()
		return err
	}
	go c.supervise()
	return nil
}

// awaitGating waits until both the session id (voice state) and the server
// assignment (token + endpoint) are known, in whatever order they arrive.
func (c *Connection) awaitGating(ctx context.Context, sendRequest bool) error {
	c.setFlow(FlowRequested)
	if sendRequest {
		c.mu.Lock()
		channelID := c.channelID
		c.mu.Unlock()
		if err := c.manager.control.SendVoiceState(c.guildID, channelID, c.opts.SelfMute, c.opts.SelfDeaf); err != nil {
			return fmt.Errorf("voice: request join: %w", err)
		}
	}

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()

	for {
		if c.Flow() == FlowGotBoth {
			return nil
		}
		select {
		case ev := <-c.stateCh:
			if ev.channelID == 0 {
				return ErrDisconnected
			}
			c.mu.Lock()
			c.sessionID = ev.sessionID
			c.channelID = ev.channelID
			c.flow = advanceOnVoiceState(c.flow)
			c.mu.Unlock()
		case ev := <-c.serverCh:
			c.mu.Lock()
			c.token = ev.token
			c.endpoint = ev.endpoint
			c.flow = advanceOnVoiceServer(c.flow)
			c.mu.Unlock()
		case <-timer.C:
			return ErrHandshakeTimeout
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrDisconnected
		}
	}
}

// handshake opens the signalling socket and runs it through to a session
// description: identify, ready, IP discovery, select protocol, secret key.
func (c *Connection) handshake() error {
	c.mu.Lock()
	endpoint := c.endpoint
	token := c.token
	sessionID := c.sessionID
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.Timeout}
	ws, _, err := dialer.Dial(signallingAddr(endpoint), nil)
	if err != nil {
		return fmt.Errorf("voice: dial signalling socket: %w", err)
	}
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	c.setFlow(FlowSocketConnected)

	deadline := time.Now().Add(c.opts.Timeout)
	ws.SetReadDeadline(deadline)

	var hello helloData
	f, err := readVoiceFrame(ws)
	if err != nil {
		return fmt.Errorf("voice: read hello: %w", err)
	}
	if f.Op != OpHello {
		return fmt.Errorf("voice: expected hello, got op %d", f.Op)
	}
	if err := json.Unmarshal(f.D, &hello); err != nil {
		return fmt.Errorf("voice: decode hello: %w", err)
	}

	if err := c.sendFrame(ws, OpIdentify, identifyData{
		ServerID:  c.guildID,
		UserID:    c.userID,
		SessionID: sessionID,
		Token:     token,
	}); err != nil {
		return err
	}

	for {
		f, err := readVoiceFrame(ws)
		if err != nil {
			return fmt.Errorf("voice: handshake read: %w", err)
		}
		switch f.Op {
		case OpReady:
			var rd readyData
			if err := json.Unmarshal(f.D, &rd); err != nil {
				return fmt.Errorf("voice: decode ready: %w", err)
			}
			c.setFlow(FlowSocketReady)
			if err := c.discoverAndSelect(ws, &rd); err != nil {
				return err
			}
		case OpSessionDescription:
			var sd sessionDescriptionData
			if err := json.Unmarshal(f.D, &sd); err != nil {
				return fmt.Errorf("voice: decode session description: %w", err)
			}
			c.mu.Lock()
			c.mode = sd.Mode
			c.secretKey = sd.SecretKey
			c.mu.Unlock()
			c.setFlow(FlowConnected)
			ws.SetReadDeadline(time.Time{})

			c.hbAcked.Store(true)
			interval := time.Duration(hello.HeartbeatInterval * float64(time.Millisecond))
			go c.heartbeat(ws, interval)
			c.logger.Info("voice connected", "mode", sd.Mode)
			return nil
		case OpHeartbeatACK:
			c.hbAcked.Store(true)
		default:
			// Nothing else matters until the session description lands.
		}
	}
}

// discoverAndSelect opens the UDP socket toward the assigned media
// endpoint, learns the public address, and answers with select-protocol.
func (c *Connection) discoverAndSelect(ws *websocket.Conn, rd *readyData) error {
	udp, err := dialUDP(rd.IP, rd.Port)
	if err != nil {
		return err
	}
	ip, port, err := udp.discover(rd.SSRC, c.opts.Timeout)
	if err != nil {
		udp.close()
		return err
	}

	c.mu.Lock()
	if c.udp != nil {
		c.udp.close()
	}
	c.udp = udp
	c.ssrc = rd.SSRC
	c.publicIP = ip
	c.publicPort = port
	c.mu.Unlock()
	c.setFlow(FlowIPDiscovered)
	c.logger.Debug("ip discovery complete", "ip", ip, "port", port)

	return c.sendFrame(ws, OpSelectProtocol, selectProtocolData{
		Protocol: "udp",
		Data: selectProtocolInfo{
			Address: ip,
			Port:    port,
			Mode:    chooseMode(rd.Modes),
		},
	})
}

// signallingAddr turns a server-assigned endpoint into a dialable URL.
// Endpoints arrive as bare hosts; legacy assignments carry an explicit :80
// that must not be dialed.
func signallingAddr(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	host := strings.TrimSuffix(endpoint, ":80")
	return (&url.URL{Scheme: "wss", Host: host, RawQuery: "v=4"}).String()
}

// tryResume re-opens the signalling socket and resumes the existing voice
// session (op 7) instead of re-identifying, keeping the UDP path, ssrc and
// secret key. Reports whether the socket is live again.
func (c *Connection) tryResume() bool {
	if c.opts.NoReconnect {
		return false
	}
	c.mu.Lock()
	endpoint := c.endpoint
	token := c.token
	sessionID := c.sessionID
	old := c.ws
	c.ws = nil
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	if endpoint == "" || sessionID == "" {
		return false
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.Timeout}
	ws, _, err := dialer.Dial(signallingAddr(endpoint), nil)
	if err != nil {
		c.logger.Warn("voice resume dial failed", "error", err)
		return false
	}

	fail := func(format string, args ...any) bool {
		c.logger.Warn(fmt.Sprintf(format, args...))
		ws.Close()
		return false
	}

	ws.SetReadDeadline(time.Now().Add(c.opts.Timeout))
	f, err := readVoiceFrame(ws)
	if err != nil || f.Op != OpHello {
		return fail("voice resume: no hello (op %d, err %v)", f.Op, err)
	}
	var hello helloData
	if err := json.Unmarshal(f.D, &hello); err != nil {
		return fail("voice resume: decode hello: %v", err)
	}
	if err := c.sendFrame(ws, OpResume, resumeData{
		ServerID:  c.guildID,
		SessionID: sessionID,
		Token:     token,
	}); err != nil {
		return fail("voice resume: send: %v", err)
	}

	for {
		f, err := readVoiceFrame(ws)
		if err != nil {
			return fail("voice resume: read: %v", err)
		}
		switch f.Op {
		case OpResumed:
			ws.SetReadDeadline(time.Time{})
			c.mu.Lock()
			c.ws = ws
			c.mu.Unlock()
			c.hbAcked.Store(true)
			go c.heartbeat(ws, time.Duration(hello.HeartbeatInterval*float64(time.Millisecond)))
			c.logger.Info("voice session resumed")
			return true
		case OpHeartbeatACK:
			c.hbAcked.Store(true)
		default:
			// The server re-identifies us implicitly; anything else can
			// wait for the supervisor.
		}
	}
}

// supervise watches the established socket and the two gating-event
// channels, driving re-handshakes and reconnects until the call ends.
func (c *Connection) supervise() {
	for {
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()

		frames := make(chan frame)
		errs := make(chan error, 1)
		go func(ws *websocket.Conn) {
			for {
				f, err := readVoiceFrame(ws)
				if err != nil {
					errs <- err
					return
				}
				select {
				case frames <- f:
				case <-c.done:
					return
				}
			}
		}(ws)

	socket:
		for {
			select {
			case <-c.done:
				return

			case f := <-frames:
				if f.Op == OpHeartbeatACK {
					c.hbAcked.Store(true)
				}

			case ev := <-c.stateCh:
				if ev.channelID == 0 {
					c.logger.Info("moved out of voice channel, disconnecting")
					c.Disconnect()
					return
				}
				c.mu.Lock()
				moved := ev.channelID != c.channelID
				c.sessionID = ev.sessionID
				c.channelID = ev.channelID
				c.mu.Unlock()
				if moved {
					// A move keeps the server assignment; only the
					// signalling handshake restarts.
					c.logger.Info("voice channel moved, restarting handshake", "channel_id", ev.channelID)
					c.closeSockets()
					if err := c.handshake(); err != nil {
						c.logger.Error("handshake after move failed", "error", err)
						if !c.fullReconnect() {
							return
						}
					}
					break socket
				}

			case ev := <-c.serverCh:
				// A fresh token/endpoint invalidates the current
				// handshake even while connected.
				c.logger.Info("voice server changed, restarting handshake", "endpoint", ev.endpoint)
				c.mu.Lock()
				c.token = ev.token
				c.endpoint = ev.endpoint
				c.mu.Unlock()
				c.closeSockets()
				if err := c.handshake(); err != nil {
					c.logger.Error("handshake after server change failed", "error", err)
					if !c.fullReconnect() {
						return
					}
				}
				break socket

			case err := <-errs:
				if !c.handleSocketFailure(err) {
					return
				}
				break socket
			}
		}
	}
}

// handleSocketFailure classifies a signalling-socket error and performs
// the matching recovery. It reports whether the call is still alive.
func (c *Connection) handleSocketFailure(err error) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if reason, fatal := fatalVoiceCloseCodes[ce.Code]; fatal {
			c.logger.Error("voice server rejected connection", "code", ce.Code, "reason", reason)
			c.Disconnect()
			return false
		}
		if ce.Code == websocket.CloseNormalClosure {
			c.logger.Info("voice socket closed cleanly")
			c.Disconnect()
			return false
		}
		if potentialReconnectCloseCodes[ce.Code] {
			return c.potentialReconnect()
		}
	}
	c.logger.Warn("voice socket lost", "error", err)
	if c.tryResume() {
		return true
	}
	return c.fullReconnect()
}

// potentialReconnect handles the channel-deleted/call-relocated closes:
// the session id and join request stay valid, so only a fresh server
// assignment is awaited before re-running the handshake.
func (c *Connection) potentialReconnect() bool {
	c.closeSockets()
	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()

	for {
		select {
		case ev := <-c.serverCh:
			c.mu.Lock()
			c.token = ev.token
			c.endpoint = ev.endpoint
			c.mu.Unlock()
			if err := c.handshake(); err != nil {
				c.logger.Error("handshake after relocation failed", "error", err)
				return c.fullReconnect()
			}
			return true
		case ev := <-c.stateCh:
			if ev.channelID == 0 {
				c.Disconnect()
				return false
			}
			c.mu.Lock()
			c.sessionID = ev.sessionID
			c.channelID = ev.channelID
			c.mu.Unlock()
		case <-timer.C:
			c.logger.Warn("no new voice server after relocation, giving up")
			c.Disconnect()
			return false
		case <-c.done:
			return false
		}
	}
}

// fullReconnect re-runs the whole join with linear backoff. It reports
// whether a connection was re-established.
func (c *Connection) fullReconnect() bool {
	if c.opts.NoReconnect {
		c.Disconnect()
		return false
	}
	c.closeSockets()

	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		wait := time.Duration(1+2*attempt) * time.Second
		c.logger.Info("reconnecting voice", "attempt", attempt+1, "wait", wait)
		select {
		case <-time.After(wait):
		case <-c.done:
			return false
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
		err := c.awaitGating(ctx, true)
		cancel()
		if err != nil {
			c.logger.Warn("voice reconnect gating failed", "error", err)
			if errors.Is(err, ErrDisconnected) {
				c.Disconnect()
				return false
			}
			continue
		}
		if err := c.handshake(); err != nil {
			c.logger.Warn("voice reconnect handshake failed", "error", err)
			c.closeSockets()
			continue
		}
		return true
	}

	c.logger.Error("voice reconnect attempts exhausted")
	c.Disconnect()
	return false
}

// heartbeat keeps one signalling socket alive until it is replaced or the
// call ends. A missed ack drops the socket so the supervisor can recover.
func (c *Connection) heartbeat(ws *websocket.Conn, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.ws == ws
			c.mu.Unlock()
			if !current {
				return
			}
			if !c.hbAcked.Swap(false) {
				c.logger.Warn("voice heartbeat unacknowledged, dropping socket")
				ws.Close()
				return
			}
			if err := c.sendFrame(ws, OpHeartbeat, time.Now().UnixMilli()); err != nil {
				return
			}
		}
	}
}

// Speaking publishes the speaking flag for this connection's ssrc.
func (c *Connection) Speaking(on bool) error {
	c.mu.Lock()
	ws := c.ws
	ssrc := c.ssrc
	c.mu.Unlock()
	if ws == nil {
		return ErrDisconnected
	}
	return c.sendFrame(ws, OpSpeaking, speakingData{Speaking: on, SSRC: ssrc})
}

// Send writes one media datagram to the call's UDP socket.
func (c *Connection) Send(b []byte) error {
	c.mu.Lock()
	udp := c.udp
	c.mu.Unlock()
	if udp == nil {
		return ErrDisconnected
	}
	return udp.write(b)
}

// MoveTo asks the server to move this call to another channel in the same
// guild. The resulting voice-state update drives the actual restart.
func (c *Connection) MoveTo(channelID state.ID) error {
	return c.manager.control.SendVoiceState(c.guildID, channelID, c.opts.SelfMute, c.opts.SelfDeaf)
}

// Disconnect leaves the channel, closes both sockets, and unregisters the
// connection. Safe to call more than once.
func (c *Connection) Disconnect() {
	c.closeOnce.Do(func() {
		close(c.done)
		// Best effort: the sockets close regardless.
		if err := c.manager.control.SendVoiceState(c.guildID, 0, false, false); err != nil {
			c.logger.Debug("leave request failed", "error", err)
		}
		c.teardown()
	})
}

func (c *Connection) teardown() {
	c.closeSockets()
	c.setFlow(FlowDisconnected)
	c.manager.remove(c.guildID)
}

func (c *Connection) closeSockets() {
	c.mu.Lock()
	ws := c.ws
	udp := c.udp
	c.ws = nil
	c.udp = nil
	c.mu.Unlock()
	if ws != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		ws.Close()
	}
	if udp != nil {
		udp.close()
	}
}

func (c *Connection) sendFrame(ws *websocket.Conn, op int, d any) error {
	f, err := marshalFrame(op, d)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteJSON(f)
}

func readVoiceFrame(ws *websocket.Conn) (frame, error) {
	var f frame
	err := ws.ReadJSON(&f)
	return f, err
}
