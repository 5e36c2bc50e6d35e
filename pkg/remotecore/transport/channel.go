package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jabolina/go-remotecore/pkg/remotecore/types"
)

// Channel is the opaque byte-stream abstraction a peer connection is
// reduced to once dialed or accepted: framed reads and writes, and a
// close. Everything above this boundary (NAT traversal, relay routing,
// encryption of the raw stream) belongs to the host, not this module.
type Channel interface {
	WriteFrame(ctx context.Context, data []byte) error
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens an outbound Channel to a peer, trying each hint in turn.
type Dialer interface {
	Dial(ctx context.Context, peerId types.PeerId, hints []string) (Channel, error)
}

// Listener accepts inbound Channels.
type Listener interface {
	Accept(ctx context.Context) (Channel, error)
	Addr() string
	Close() error
}

const maxFrameSize = 16 << 20 // 16 MiB, well above any configured MaxMessageSizeBytes

// tcpChannel is the default Channel: a TCP connection framed with a
// 4-byte big-endian length prefix.
type tcpChannel struct {
	conn net.Conn
}

func newTCPChannel(conn net.Conn) *tcpChannel {
	return &tcpChannel{conn: conn}
}

func (c *tcpChannel) WriteFrame(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := c.conn.Write(header[:]); err != nil {
		return err
	}
	_, err := c.conn.Write(data)
	return err
}

func (c *tcpChannel) ReadFrame(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("remotecore: incoming frame of %d bytes exceeds sanity limit", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *tcpChannel) Close() error {
	return c.conn.Close()
}

// TCPDialer dials peer addresses directly over TCP, trying hints in
// order and using the first that connects.
type TCPDialer struct {
	Timeout time.Duration
}

func NewTCPDialer(timeout time.Duration) *TCPDialer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TCPDialer{Timeout: timeout}
}

func (d *TCPDialer) Dial(ctx context.Context, peerId types.PeerId, hints []string) (Channel, error) {
	if len(hints) == 0 {
		return nil, fmt.Errorf("remotecore: no dial hints known for peer %s", peerId)
	}
	var lastErr error
	dialer := net.Dialer{Timeout: d.Timeout}
	for _, hint := range hints {
		conn, err := dialer.DialContext(ctx, "tcp", hint)
		if err == nil {
			return newTCPChannel(conn), nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("remotecore: dialing peer %s: %w", peerId, lastErr)
}

// TCPListener accepts inbound TCP connections as Channels.
type TCPListener struct {
	ln net.Listener
}

func ListenTCP(bindAddr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln}, nil
}

func (l *TCPListener) Accept(ctx context.Context) (Channel, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn: conn, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return newTCPChannel(r.conn), nil
	}
}

func (l *TCPListener) Addr() string {
	return l.ln.Addr().String()
}

func (l *TCPListener) Close() error {
	return l.ln.Close()
}

var (
	_ Channel  = (*tcpChannel)(nil)
	_ Dialer   = (*TCPDialer)(nil)
	_ Listener = (*TCPListener)(nil)
)
