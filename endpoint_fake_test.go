package gotftp

import (
	"net"
	"time"
)

// fakeAddr is a net.Addr over a plain string, enough for the fake
// network below to compare peers by identity.
type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

type fakePacket struct {
	b   []byte
	src net.Addr
}

// fakeEndpoint is a deterministic, in-memory Endpoint used to drive
// the state machine's scenario tests without a real socket.
type fakeEndpoint struct {
	self fakeAddr
	recv chan fakePacket
	send func(b []byte, addr net.Addr) error
}

func newFakeEndpoint(self fakeAddr) *fakeEndpoint {
	return &fakeEndpoint{self: self, recv: make(chan fakePacket, 64)}
}

func (e *fakeEndpoint) Send(b []byte, addr net.Addr) error {
	return e.send(b, addr)
}

func (e *fakeEndpoint) Receive(timeout time.Duration) ([]byte, net.Addr, error) {
	select {
	case p := <-e.recv:
		return p.b, p.src, nil
	case <-time.After(timeout):
		return nil, nil, ErrTimeout
	}
}

func (e *fakeEndpoint) LocalAddr() net.Addr { return e.self }
func (e *fakeEndpoint) Close() error        { return nil }

// link wires two fakeEndpoints together so sends on one arrive as
// receives on the other with the sender's address attached, with an
// optional one-shot drop per direction for the packet-loss scenario.
type link struct {
	client, server *fakeEndpoint
	dropClientToServerOnce bool
	dropServerToClientOnce bool
	strayAddr net.Addr
	strayLog  []fakePacket // packets the client sent to an address other than server.self
}

func newLink(clientAddr, serverAddr fakeAddr) *link {
	l := &link{
		client: newFakeEndpoint(clientAddr),
		server: newFakeEndpoint(serverAddr),
	}
	l.client.send = func(b []byte, addr net.Addr) error {
		if addr.String() != l.server.self.String() {
			l.strayLog = append(l.strayLog, fakePacket{b: b, src: addr})
			return nil
		}
		if l.dropClientToServerOnce {
			l.dropClientToServerOnce = false
			return nil
		}
		l.server.recv <- fakePacket{b: b, src: clientAddr}
		return nil
	}
	l.server.send = func(b []byte, addr net.Addr) error {
		if l.dropServerToClientOnce {
			l.dropServerToClientOnce = false
			return nil
		}
		l.client.recv <- fakePacket{b: b, src: serverAddr}
		return nil
	}
	return l
}
