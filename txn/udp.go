package txn

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rocketbitz/fabricpm/mad"
)

const (
	udpFrameHeader = 4
	udpPollPeriod  = 200 * time.Millisecond
)

// ErrUnknownPeer indicates a reply addressed to a LID that never sent a
// datagram to this listener.
var ErrUnknownPeer = errors.New("fabricpm txn: unknown peer lid")

// UDPTransport carries datagrams over UDP. Each frame is DLID and SLID as
// big-endian 16-bit values followed by the MAD.
//
// A dialed transport sends every datagram to one remote address, typically an
// agent that fronts a whole fabric. A listening transport learns the address
// of every SLID it hears from and routes replies by DLID.
type UDPTransport struct {
	conn   *net.UDPConn
	dialed bool
	closed atomic.Bool

	// sendMu pairs each write deadline with the write it bounds.
	sendMu sync.Mutex

	mu    sync.RWMutex
	peers map[uint16]*net.UDPAddr
}

// DialUDP connects to an agent listening on addr.
func DialUDP(addr string) (*UDPTransport, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &UDPTransport{conn: conn, dialed: true}, nil
}

// ListenUDP binds addr and serves datagrams from any manager.
func ListenUDP(addr string) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &UDPTransport{conn: conn, peers: make(map[uint16]*net.UDPAddr)}, nil
}

// LocalAddr returns the bound address.
func (u *UDPTransport) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// Send frames and writes one datagram.
func (u *UDPTransport) Send(ctx context.Context, dg Datagram) error {
	if u.closed.Load() {
		return ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	frame := make([]byte, udpFrameHeader+len(dg.Payload))
	binary.BigEndian.PutUint16(frame[0:], dg.DLID)
	binary.BigEndian.PutUint16(frame[2:], dg.SLID)
	copy(frame[udpFrameHeader:], dg.Payload)

	var addr *net.UDPAddr
	if !u.dialed {
		u.mu.RLock()
		addr = u.peers[dg.DLID]
		u.mu.RUnlock()
		if addr == nil {
			return fmt.Errorf("%w: 0x%x", ErrUnknownPeer, dg.DLID)
		}
	}
	deadline, _ := ctx.Deadline()

	u.sendMu.Lock()
	defer u.sendMu.Unlock()
	if err := u.conn.SetWriteDeadline(deadline); err != nil {
		return u.connErr("udp write deadline", err)
	}
	var err error
	if u.dialed {
		_, err = u.conn.Write(frame)
	} else {
		_, err = u.conn.WriteToUDP(frame, addr)
	}
	if err != nil {
		return u.connErr("udp write", err)
	}
	return nil
}

func (u *UDPTransport) connErr(op string, err error) error {
	if errors.Is(err, net.ErrClosed) || u.closed.Load() {
		return ErrTransportClosed
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Receive reads the next well-formed frame. Runt frames are discarded.
func (u *UDPTransport) Receive(ctx context.Context) (Datagram, error) {
	buf := make([]byte, udpFrameHeader+mad.MaxSize)
	for {
		if u.closed.Load() {
			return Datagram{}, ErrTransportClosed
		}
		if err := ctx.Err(); err != nil {
			return Datagram{}, err
		}
		if err := u.conn.SetReadDeadline(time.Now().Add(udpPollPeriod)); err != nil {
			return Datagram{}, u.connErr("udp read deadline", err)
		}
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return Datagram{}, u.connErr("udp read", err)
		}
		if n < udpFrameHeader {
			continue
		}
		dg := Datagram{
			DLID:    binary.BigEndian.Uint16(buf[0:]),
			SLID:    binary.BigEndian.Uint16(buf[2:]),
			Payload: append([]byte(nil), buf[udpFrameHeader:n]...),
		}
		if !u.dialed && from != nil {
			u.mu.Lock()
			u.peers[dg.SLID] = from
			u.mu.Unlock()
		}
		return dg, nil
	}
}

// Close releases the socket.
func (u *UDPTransport) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	return u.conn.Close()
}

func (u *UDPTransport) String() string {
	return "udp"
}
