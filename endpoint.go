package gotftp

import (
	"errors"
	"net"
	"sync"
	"time"
)

// recvBufPool reuses the 64KB datagram scratch buffer across every
// Receive call instead of allocating one per packet.
var recvBufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 65507)
		return &b
	},
}

// ErrTimeout is returned by Endpoint.Receive when no datagram arrives
// within the requested timeout.
var ErrTimeout = errors.New("tftp: receive timeout")

// Endpoint is the abstract datagram transport the state machine
// consumes. Production code uses udpEndpoint; tests use a fake that
// can inject loss and stray senders deterministically.
type Endpoint interface {
	Send(b []byte, addr net.Addr) error
	Receive(timeout time.Duration) ([]byte, net.Addr, error)
	LocalAddr() net.Addr
	Close() error
}

// udpEndpoint adapts a net.PacketConn to Endpoint, so the state
// machine never imports net for I/O.
type udpEndpoint struct {
	conn net.PacketConn
}

// NewUDPEndpoint opens a UDP socket bound to laddr ("" for an
// ephemeral client port, ":69" for the well-known server port).
func NewUDPEndpoint(laddr string) (Endpoint, error) {
	conn, err := net.ListenPacket("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &udpEndpoint{conn: conn}, nil
}

func (e *udpEndpoint) Send(b []byte, addr net.Addr) error {
	_, err := e.conn.WriteTo(b, addr)
	return err
}

func (e *udpEndpoint) Receive(timeout time.Duration) ([]byte, net.Addr, error) {
	if timeout > 0 {
		e.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		e.conn.SetReadDeadline(time.Time{})
	}
	bufp := recvBufPool.Get().(*[]byte)
	defer recvBufPool.Put(bufp)
	n, addr, err := e.conn.ReadFrom(*bufp)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, nil, ErrTimeout
		}
		return nil, nil, err
	}
	out := make([]byte, n)
	copy(out, (*bufp)[:n])
	return out, addr, nil
}

func (e *udpEndpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

func (e *udpEndpoint) Close() error {
	return e.conn.Close()
}
