package txn

import (
	"context"
	"errors"
	"sync"
)

// ErrTransportClosed indicates Send or Receive on a closed transport.
var ErrTransportClosed = errors.New("fabricpm txn: transport closed")

// Datagram is one MAD addressed between two LIDs.
type Datagram struct {
	SLID    uint16
	DLID    uint16
	Payload []byte
}

// Transport moves datagrams between the manager and the agents. Receive
// blocks until a datagram arrives, ctx is done or the transport is closed.
type Transport interface {
	Send(ctx context.Context, dg Datagram) error
	Receive(ctx context.Context) (Datagram, error)
	Close() error
}

// MemTransport is one end of an in-process transport pair.
type MemTransport struct {
	name  string
	inbox chan Datagram
	peer  *MemTransport

	once   sync.Once
	closed chan struct{}
}

// NewMemPair returns two connected in-process transports, conventionally the
// manager side and the agent side. depth bounds each side's inbox.
func NewMemPair(depth int) (*MemTransport, *MemTransport) {
	if depth <= 0 {
		depth = 1024
	}
	a := &MemTransport{name: "mem", inbox: make(chan Datagram, depth), closed: make(chan struct{})}
	b := &MemTransport{name: "mem", inbox: make(chan Datagram, depth), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// Send copies the payload into the peer's inbox.
func (m *MemTransport) Send(ctx context.Context, dg Datagram) error {
	dg.Payload = append([]byte(nil), dg.Payload...)
	select {
	case <-m.closed:
		return ErrTransportClosed
	case <-m.peer.closed:
		return ErrTransportClosed
	default:
	}
	select {
	case m.peer.inbox <- dg:
		return nil
	case <-m.closed:
		return ErrTransportClosed
	case <-m.peer.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next datagram sent by the peer.
func (m *MemTransport) Receive(ctx context.Context) (Datagram, error) {
	select {
	case dg := <-m.inbox:
		return dg, nil
	case <-m.closed:
		return Datagram{}, ErrTransportClosed
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}

// Close stops this side of the pair. The peer observes failed sends.
func (m *MemTransport) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *MemTransport) String() string {
	return m.name
}
