// Package udpio implements the UDP driver contract spec.md §4.6 describes
// at arm's length: non-blocking datagram send/receive with a fixed
// firewall mark, bind (server) or connect (client). Non-blocking is
// simulated over net.UDPConn with deadline polls (an immediate read
// deadline, a one-millisecond write deadline), the standard Go idiom for
// this; no goroutine is needed here the way tun's
// backend needs one, since *net.UDPConn supports SetDeadline portably.
package udpio

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrPending is returned by Receive/Send when the operation would block.
var ErrPending = errors.New("udpio: operation would block")

// Socket is the UDP driver contract the endpoint consumes.
type Socket interface {
	// Bind opens the socket listening on addr (server mode).
	Bind(addr *net.UDPAddr) error
	// Connect opens the socket with a fixed remote peer (client mode);
	// Send then ignores its `to` argument and Receive's `from` is always
	// that peer.
	Connect(addr *net.UDPAddr) error
	// SetFirewallMark applies mark to the underlying file descriptor so
	// host routing policy can steer this traffic away from the TUN
	// device (spec.md §4.6).
	SetFirewallMark(mark uint32) error
	// Receive reads one datagram into buf, returning its length and
	// source address, or ErrPending if none is pending.
	Receive(buf []byte) (int, *net.UDPAddr, error)
	// Send writes buf to to (ignored when Connect was used), returning
	// ErrPending if the send would block.
	Send(buf []byte, to *net.UDPAddr) (int, error)
	// Close releases the socket.
	Close() error
}

// UDPSocket is the real Socket backend over net.UDPConn.
type UDPSocket struct {
	conn      *net.UDPConn
	connected *net.UDPAddr // set by Connect; nil in server/Bind mode
}

// Open allocates an unbound, unconnected socket; call Bind or Connect
// before use. ipv6 selects the network family for unspecified addresses.
func Open(ipv6 bool) (*UDPSocket, error) {
	network := "udp4"
	if ipv6 {
		network = "udp6"
	}
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, fmt.Errorf("udpio: open: %w", err)
	}
	return &UDPSocket{conn: conn}, nil
}

// Bind opens a socket listening on addr, replacing any socket Open
// allocated.
func (s *UDPSocket) Bind(addr *net.UDPAddr) error {
	if s.conn != nil {
		s.conn.Close()
	}
	conn, err := net.ListenUDP(network(addr), addr)
	if err != nil {
		return fmt.Errorf("udpio: bind %v: %w", addr, err)
	}
	s.conn = conn
	return nil
}

// Connect opens a socket with a fixed remote peer.
func (s *UDPSocket) Connect(addr *net.UDPAddr) error {
	if s.conn != nil {
		s.conn.Close()
	}
	conn, err := net.DialUDP(network(addr), nil, addr)
	if err != nil {
		return fmt.Errorf("udpio: connect %v: %w", addr, err)
	}
	s.conn = conn
	s.connected = addr
	return nil
}

func network(addr *net.UDPAddr) string {
	if addr.IP != nil && addr.IP.To4() == nil {
		return "udp6"
	}
	return "udp"
}

// SetFirewallMark sets SO_MARK on the underlying file descriptor. SO_MARK
// is a Linux socket option and this file uses it unconditionally. Callers
// log a failure and carry on, matching the spec's treatment of the mark
// as best-effort routing hygiene rather than a security boundary.
func (s *UDPSocket) SetFirewallMark(mark uint32) error {
	raw, err := s.conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("udpio: firewall mark: %w", err)
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark))
	})
	if err != nil {
		return fmt.Errorf("udpio: firewall mark: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("udpio: firewall mark: %w", sockErr)
	}
	return nil
}

// Receive reads one datagram without blocking beyond an immediate poll.
func (s *UDPSocket) Receive(buf []byte) (int, *net.UDPAddr, error) {
	if err := s.conn.SetReadDeadline(time.Now()); err != nil {
		return 0, nil, fmt.Errorf("udpio: receive: %w", err)
	}
	n, from, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if isTimeout(err) {
			return 0, nil, ErrPending
		}
		return 0, nil, fmt.Errorf("udpio: receive: %w", err)
	}
	if s.connected != nil {
		from = s.connected
	}
	return n, from, nil
}

// Send writes buf, blocking for at most one millisecond.
func (s *UDPSocket) Send(buf []byte, to *net.UDPAddr) (int, error) {
	if err := s.conn.SetWriteDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return 0, fmt.Errorf("udpio: send: %w", err)
	}
	var (
		n   int
		err error
	)
	if s.connected != nil {
		n, err = s.conn.Write(buf)
	} else {
		n, err = s.conn.WriteToUDP(buf, to)
	}
	if err != nil {
		if isTimeout(err) {
			return 0, ErrPending
		}
		return 0, fmt.Errorf("udpio: send: %w", err)
	}
	return n, nil
}

func (s *UDPSocket) Close() error {
	return s.conn.Close()
}

// LocalAddr returns the address the socket is currently bound to, used to
// discover an ephemeral port after Bind(addr with Port: 0).
func (s *UDPSocket) LocalAddr() *net.UDPAddr {
	addr, _ := s.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

var _ Socket = (*UDPSocket)(nil)
