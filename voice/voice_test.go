package voice

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accordlabs/accord/dispatch"
	"github.com/accordlabs/accord/state"
)

type voiceRequest struct {
	guildID   state.ID
	channelID state.ID
	selfMute  bool
	selfDeaf  bool
}

// fakeControl records join/leave requests and optionally answers them by
// dispatching the gating events, the way a live gateway would.
type fakeControl struct {
	mu      sync.Mutex
	calls   []voiceRequest
	onState func(req voiceRequest)
}

func (f *fakeControl) SendVoiceState(guildID, channelID state.ID, selfMute, selfDeaf bool) error {
	req := voiceRequest{guildID, channelID, selfMute, selfDeaf}
	f.mu.Lock()
	f.calls = append(f.calls, req)
	cb := f.onState
	f.mu.Unlock()
	if cb != nil {
		cb(req)
	}
	return nil
}

func (f *fakeControl) requests() []voiceRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]voiceRequest(nil), f.calls...)
}

func TestGatingOrderIndependence(t *testing.T) {
	stateFirst := []bool{true, false}
	for _, first := range stateFirst {
		name := "server_then_state"
		if first {
			name = "state_then_server"
		}
		t.Run(name, func(t *testing.T) {
			fc := &fakeControl{}
			m := &Manager{control: fc, conns: make(map[state.ID]*Connection)}
			c := newConnection(m, 1, 11, 42, Options{Timeout: time.Second})

			sendState := func() { c.deliverState(stateEvent{sessionID: "vs", channelID: 11}) }
			sendServer := func() { c.deliverServer(serverEvent{token: "tok", endpoint: "voice.example"}) }
			if first {
				sendState()
				sendServer()
			} else {
				sendServer()
				sendState()
			}

			require.NoError(t, c.awaitGating(context.Background(), true))
			assert.Equal(t, FlowGotBoth, c.Flow())
			assert.Equal(t, "vs", c.sessionID)
			assert.Equal(t, "tok", c.token)
			assert.Equal(t, "voice.example", c.endpoint)
		})
	}
}

func TestGatingTimeout(t *testing.T) {
	fc := &fakeControl{}
	m := &Manager{control: fc, conns: make(map[state.ID]*Connection)}
	c := newConnection(m, 1, 11, 42, Options{Timeout: 50 * time.Millisecond})
	// Only one of the two gating events arrives.
	c.deliverServer(serverEvent{token: "tok", endpoint: "voice.example"})

	err := c.awaitGating(context.Background(), true)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
}

func TestGatingExternalDisconnect(t *testing.T) {
	fc := &fakeControl{}
	m := &Manager{control: fc, conns: make(map[state.ID]*Connection)}
	c := newConnection(m, 1, 11, 42, Options{Timeout: time.Second})
	// A null channel means the server kicked us before the flow finished.
	c.deliverState(stateEvent{sessionID: "vs", channelID: 0})

	err := c.awaitGating(context.Background(), true)
	assert.ErrorIs(t, err, ErrDisconnected)
}

// A channel-deleted close with no follow-up server assignment must end in
// a terminal disconnect, not an endless retry loop.
func TestChannelDeletedWithoutNewServerIsTerminal(t *testing.T) {
	fc := &fakeControl{}
	m := &Manager{control: fc, conns: make(map[state.ID]*Connection)}
	c := newConnection(m, 1, 11, 42, Options{Timeout: 100 * time.Millisecond})
	m.conns[1] = c

	alive := c.handleSocketFailure(&websocket.CloseError{Code: 4014, Text: "disconnected"})

	assert.False(t, alive)
	assert.Equal(t, FlowDisconnected, c.Flow())
	assert.Nil(t, m.Connection(1), "terminal disconnect unregisters the connection")

	reqs := fc.requests()
	require.NotEmpty(t, reqs)
	leave := reqs[len(reqs)-1]
	assert.Zero(t, leave.channelID, "disconnect sends a leave request")
}

// echoUDPDiscovery answers discovery packets with the documented response
// layout and returns the listener's port plus a validation-error channel.
func echoUDPDiscovery(t *testing.T, publicIP string, publicPort uint16) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 128)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if n != discoveryPacketLen {
				t.Errorf("discovery request is %d bytes, want %d", n, discoveryPacketLen)
				continue
			}
			if typ := binary.BigEndian.Uint16(buf[0:2]); typ != 0x1 {
				t.Errorf("discovery type = %#x, want 0x1", typ)
			}
			if l := binary.BigEndian.Uint16(buf[2:4]); l != 70 {
				t.Errorf("discovery length field = %d, want 70", l)
			}
			if ssrc := binary.BigEndian.Uint32(buf[4:8]); ssrc == 0 {
				t.Error("discovery carries zero ssrc")
			}

			resp := make([]byte, discoveryPacketLen)
			copy(resp[0:8], buf[0:8])
			copy(resp[8:], publicIP)
			binary.LittleEndian.PutUint16(resp[len(resp)-2:], publicPort)
			conn.WriteToUDP(resp, addr)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func TestIPDiscovery(t *testing.T) {
	port := echoUDPDiscovery(t, "203.0.113.9", 40000)

	udp, err := dialUDP("127.0.0.1", port)
	require.NoError(t, err)
	defer udp.close()

	ip, public, err := udp.discover(1234, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", ip)
	assert.Equal(t, uint16(40000), public)
}

func TestSendAfterCloseFailsCleanly(t *testing.T) {
	port := echoUDPDiscovery(t, "203.0.113.9", 40000)
	udp, err := dialUDP("127.0.0.1", port)
	require.NoError(t, err)

	udp.close()
	assert.ErrorIs(t, udp.write([]byte{0x80}), errUDPClosed)
	udp.close() // double close is a no-op
}

// mockVoiceServer runs the signalling side: hello, then either an
// identify handshake (ready, select-protocol, session description) or a
// session resume. Scripted closes are injected through closeWith.
type mockVoiceServer struct {
	endpoint   string
	identified chan identifyData
	selected   chan selectProtocolData
	resumed    chan resumeData
	closeWith  chan int
}

func newMockVoiceServer(t *testing.T, udpPort int) *mockVoiceServer {
	t.Helper()
	mv := &mockVoiceServer{
		identified: make(chan identifyData, 4),
		selected:   make(chan selectProtocolData, 4),
		resumed:    make(chan resumeData, 4),
		closeWith:  make(chan int, 1),
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		send := func(op int, d any) {
			f, _ := marshalFrame(op, d)
			conn.WriteJSON(f)
		}
		send(OpHello, helloData{HeartbeatInterval: 45000})

		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Op {
		case OpIdentify:
			var id identifyData
			json.Unmarshal(f.D, &id)
			mv.identified <- id

			send(OpReady, readyData{
				SSRC: 9001, IP: "127.0.0.1", Port: udpPort,
				Modes: []string{"xsalsa20_poly1305", "aead_aes256_gcm"},
			})
			if err := conn.ReadJSON(&f); err != nil || f.Op != OpSelectProtocol {
				t.Errorf("expected select-protocol, got op %d err %v", f.Op, err)
				return
			}
			var sp selectProtocolData
			json.Unmarshal(f.D, &sp)
			mv.selected <- sp

			key := make([]byte, 32)
			for i := range key {
				key[i] = byte(i)
			}
			send(OpSessionDescription, sessionDescriptionData{Mode: sp.Data.Mode, SecretKey: key})
		case OpResume:
			var rd resumeData
			json.Unmarshal(f.D, &rd)
			mv.resumed <- rd
			send(OpResumed, nil)
		default:
			t.Errorf("first client frame op = %d, want identify or resume", f.Op)
			return
		}

		// Steady state: ack heartbeats, honor scripted closes.
		frames := make(chan frame)
		errs := make(chan error, 1)
		gone := make(chan struct{})
		defer close(gone)
		go func() {
			for {
				var f frame
				if err := conn.ReadJSON(&f); err != nil {
					errs <- err
					return
				}
				select {
				case frames <- f:
				case <-gone:
					return
				}
			}
		}()
		for {
			select {
			case code := <-mv.closeWith:
				msg := websocket.FormatCloseMessage(code, "")
				conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			case f := <-frames:
				if f.Op == OpHeartbeat {
					send(OpHeartbeatACK, nil)
				}
			case <-errs:
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	mv.endpoint = "ws" + strings.TrimPrefix(srv.URL, "http")
	return mv
}

// joinThrough stands up a manager answering join requests the way the
// live gateway does and blocks until the call is connected.
func joinThrough(t *testing.T, endpoint string) (*dispatch.Dispatcher, *fakeControl, *Connection) {
	t.Helper()
	d := dispatch.New()
	t.Cleanup(d.Close)

	fc := &fakeControl{}
	m := NewManager(fc, d)
	d.Dispatch(dispatch.EventReady, json.RawMessage(`{"user": {"id": "42"}, "session_id": "gw"}`))

	fc.mu.Lock()
	fc.onState = func(req voiceRequest) {
		if req.channelID == 0 {
			return
		}
		d.Dispatch(dispatch.EventVoiceStateUpdate, json.RawMessage(
			`{"guild_id": "1", "channel_id": "11", "user_id": "42", "session_id": "vsess"}`))
		d.Dispatch(dispatch.EventVoiceServerUpdate, json.RawMessage(
			fmt.Sprintf(`{"guild_id": "1", "token": "vtok", "endpoint": %q}`, endpoint)))
	}
	fc.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, err := m.Join(ctx, 1, 11, Options{Timeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(conn.Disconnect)
	return d, fc, conn
}

func countJoins(fc *fakeControl) int {
	n := 0
	for _, r := range fc.requests() {
		if r.channelID != 0 {
			n++
		}
	}
	return n
}

func TestFullJoinHandshake(t *testing.T) {
	udpPort := echoUDPDiscovery(t, "198.51.100.4", 50123)
	srv := newMockVoiceServer(t, udpPort)

	_, fc, conn := joinThrough(t, srv.endpoint)
	m := conn.manager

	assert.Equal(t, FlowConnected, conn.Flow())
	assert.Equal(t, uint32(9001), conn.SSRC())
	assert.Len(t, conn.SecretKey(), 32)
	assert.Same(t, conn, m.Connection(1))

	id := <-srv.identified
	assert.Equal(t, "vtok", id.Token)
	assert.Equal(t, "vsess", id.SessionID)

	sp := <-srv.selected
	assert.Equal(t, "udp", sp.Protocol)
	assert.Equal(t, "198.51.100.4", sp.Data.Address)
	assert.Equal(t, uint16(50123), sp.Data.Port)
	assert.Equal(t, "xsalsa20_poly1305", sp.Data.Mode, "highest preferred mode wins")

	require.NoError(t, conn.Send([]byte{0x80, 0x78}))

	conn.Disconnect()
	assert.Equal(t, FlowDisconnected, conn.Flow())
	assert.Nil(t, m.Connection(1))
	reqs := fc.requests()
	assert.Zero(t, reqs[len(reqs)-1].channelID, "leave request sent on disconnect")
}

// A fresh server assignment while connected means the guild moved to a
// different voice server: the old socket is abandoned and the handshake
// redone against the new endpoint with the new token.
func TestServerChangeWhileConnectedRedoesHandshake(t *testing.T) {
	udpPort := echoUDPDiscovery(t, "198.51.100.4", 50123)
	srv1 := newMockVoiceServer(t, udpPort)
	srv2 := newMockVoiceServer(t, udpPort)

	d, _, conn := joinThrough(t, srv1.endpoint)
	<-srv1.identified
	<-srv1.selected

	d.Dispatch(dispatch.EventVoiceServerUpdate, json.RawMessage(
		fmt.Sprintf(`{"guild_id": "1", "token": "vtok2", "endpoint": %q}`, srv2.endpoint)))

	select {
	case id := <-srv2.identified:
		assert.Equal(t, "vtok2", id.Token)
		assert.Equal(t, "vsess", id.SessionID, "session survives a server move")
	case <-time.After(3 * time.Second):
		t.Fatal("no identify against the new endpoint")
	}
	<-srv2.selected
	assert.Eventually(t, func() bool { return conn.Flow() == FlowConnected },
		3*time.Second, 10*time.Millisecond)
}

// A channel-deleted close followed by a server assignment is a region
// move: the call must come back on the new endpoint without re-requesting
// the voice state.
func TestChannelDeletedCloseReconnectsOnNewServer(t *testing.T) {
	udpPort := echoUDPDiscovery(t, "198.51.100.4", 50123)
	srv1 := newMockVoiceServer(t, udpPort)
	srv2 := newMockVoiceServer(t, udpPort)

	d, fc, conn := joinThrough(t, srv1.endpoint)
	<-srv1.identified
	<-srv1.selected
	joins := countJoins(fc)

	srv1.closeWith <- 4014
	// Let the close reach the supervisor before the new assignment lands.
	time.Sleep(200 * time.Millisecond)
	d.Dispatch(dispatch.EventVoiceServerUpdate, json.RawMessage(
		fmt.Sprintf(`{"guild_id": "1", "token": "vtok2", "endpoint": %q}`, srv2.endpoint)))

	select {
	case id := <-srv2.identified:
		assert.Equal(t, "vtok2", id.Token)
		assert.Equal(t, "vsess", id.SessionID)
	case <-time.After(3 * time.Second):
		t.Fatal("no identify against the new endpoint")
	}
	<-srv2.selected
	assert.Eventually(t, func() bool { return conn.Flow() == FlowConnected },
		3*time.Second, 10*time.Millisecond)
	assert.Equal(t, joins, countJoins(fc), "server move must not re-request the voice state")
}

// An unexpected socket drop with a recoverable code resumes the session
// on the same endpoint instead of identifying again.
func TestSocketDropResumesSession(t *testing.T) {
	udpPort := echoUDPDiscovery(t, "198.51.100.4", 50123)
	srv := newMockVoiceServer(t, udpPort)

	_, fc, conn := joinThrough(t, srv.endpoint)
	<-srv.identified
	<-srv.selected
	joins := countJoins(fc)

	srv.closeWith <- 4000

	select {
	case rd := <-srv.resumed:
		assert.Equal(t, "vtok", rd.Token)
		assert.Equal(t, "vsess", rd.SessionID)
		assert.Equal(t, state.ID(1), rd.ServerID)
	case <-time.After(3 * time.Second):
		t.Fatal("no resume after socket drop")
	}
	assert.Equal(t, FlowConnected, conn.Flow(), "resume keeps the media path up")
	select {
	case <-srv.identified:
		t.Fatal("resume path identified again")
	default:
	}
	assert.Equal(t, joins, countJoins(fc))
}

func TestChooseMode(t *testing.T) {
	assert.Equal(t, "xsalsa20_poly1305_lite", chooseMode([]string{"xsalsa20_poly1305", "xsalsa20_poly1305_lite"}))
	assert.Equal(t, "aead_aes256_gcm", chooseMode([]string{"aead_aes256_gcm"}), "unknown-only lists fall back to the server's first")
	assert.Equal(t, "", chooseMode(nil))
}
