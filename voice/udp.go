package voice

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const discoveryPacketLen = 74

var errUDPClosed = errors.New("voice: udp socket closed")

// udpConn wraps the media datagram socket. Sends and lifecycle are guarded
// by one mutex so a concurrent Close can never race a write on a dead
// descriptor.
type udpConn struct {
	mu     sync.Mutex
	conn   *net.UDPConn
	closed bool
}

func dialUDP(host string, port int) (*udpConn, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("voice: resolve media endpoint: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("voice: dial media endpoint: %w", err)
	}
	return &udpConn{conn: conn}, nil
}

// discover performs the IP discovery round-trip and returns the client's
// externally visible address and port.
//
// Request layout (74 bytes): uint16 BE type 0x1, uint16 BE length 70,
// uint32 BE ssrc, then a zeroed 64-byte address field and uint16 port.
// Response layout: the public IP as a null-terminated ASCII string starting
// at offset 8, and the port as a little-endian uint16 in the final two
// bytes.
func (u *udpConn) discover(ssrc uint32, timeout time.Duration) (string, uint16, error) {
	pkt := make([]byte, discoveryPacketLen)
	binary.BigEndian.PutUint16(pkt[0:2], 0x1)
	binary.BigEndian.PutUint16(pkt[2:4], 70)
	binary.BigEndian.PutUint32(pkt[4:8], ssrc)

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return "", 0, errUDPClosed
	}
	conn := u.conn
	u.mu.Unlock()

	if _, err := conn.Write(pkt); err != nil {
		return "", 0, fmt.Errorf("voice: send discovery packet: %w", err)
	}

	resp := make([]byte, discoveryPacketLen)
	conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := conn.Read(resp)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		return "", 0, fmt.Errorf("voice: read discovery response: %w", err)
	}
	if n < 12 {
		return "", 0, fmt.Errorf("voice: discovery response truncated at %d bytes", n)
	}
	resp = resp[:n]

	end := bytes.IndexByte(resp[8:], 0)
	if end < 0 {
		return "", 0, errors.New("voice: discovery response has unterminated address")
	}
	ip := string(resp[8 : 8+end])
	port := binary.LittleEndian.Uint16(resp[len(resp)-2:])
	return ip, port, nil
}

// write sends one media datagram.
func (u *udpConn) write(b []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return errUDPClosed
	}
	_, err := u.conn.Write(b)
	return err
}

func (u *udpConn) close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	u.closed = true
	u.conn.Close()
}
