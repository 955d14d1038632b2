package tun

import (
	"fmt"
	"net"
	"sync/atomic"
)

// MemDevice is an in-process Device double with no real kernel interface
// behind it. It backs the "-d" debug/loopback mode (spec.md §6, CLI
// surface), which runs a server peer and a client peer against each
// other in a single process for smoke testing without root privileges or
// a platform TUN driver — supplemented from original_source/main.c's
// debug path, which does the analogous thing.
type MemDevice struct {
	name          string
	local, remote net.IP
	mtu           int

	in     chan []byte // Read() drains this
	out    chan []byte // Write() feeds this
	closed int32
}

// NewPipe returns two MemDevices cross-wired so that packets Written to
// one are delivered to the other's Read, simulating both ends' TUN
// devices being attached to the same link for debug purposes.
func NewPipe(mtu int) (client, server *MemDevice) {
	toServer := make(chan []byte, 256)
	toClient := make(chan []byte, 256)
	client = &MemDevice{name: "debug-client", mtu: mtu, in: toClient, out: toServer}
	server = &MemDevice{name: "debug-server", mtu: mtu, in: toServer, out: toClient}
	return client, server
}

func (m *MemDevice) Name() string { return m.name }

func (m *MemDevice) SetAddresses(block net.IP) (local, remote net.IP, err error) {
	v4 := block.To4()
	if v4 == nil {
		return nil, nil, fmt.Errorf("tun: address block %v is not IPv4", block)
	}
	m.local = net.IPv4(v4[0], v4[1], v4[2], 2)
	m.remote = net.IPv4(v4[0], v4[1], v4[2], 1)
	return m.local, m.remote, nil
}

func (m *MemDevice) SetNetmask(net.IPMask) error { return nil }
func (m *MemDevice) MTU() int                    { return m.mtu }
func (m *MemDevice) SetMTU(n int) error          { m.mtu = n; return nil }
func (m *MemDevice) LocalAddress() net.IP        { return m.local }
func (m *MemDevice) RemoteAddress() net.IP       { return m.remote }
func (m *MemDevice) Up() error                   { return nil }
func (m *MemDevice) Down() error                 { return nil }
func (m *MemDevice) IsValid() bool               { return atomic.LoadInt32(&m.closed) == 0 }

func (m *MemDevice) Read(buf []byte) (int, error) {
	select {
	case pkt, ok := <-m.in:
		if !ok {
			return 0, fmt.Errorf("tun: device closed")
		}
		return copy(buf, pkt), nil
	default:
		return 0, ErrPending
	}
}

func (m *MemDevice) Write(buf []byte) (int, error) {
	if !m.IsValid() {
		return 0, fmt.Errorf("tun: device closed")
	}
	pkt := make([]byte, len(buf))
	copy(pkt, buf)
	select {
	case m.out <- pkt:
		return len(buf), nil
	default:
		return 0, ErrPending
	}
}

// Inject delivers packet to this device's Read queue directly, as if the
// kernel had produced it, used by debug mode and integration tests to
// originate traffic without a real TUN device.
func (m *MemDevice) Inject(packet []byte) error {
	pkt := make([]byte, len(packet))
	copy(pkt, packet)
	select {
	case m.in <- pkt:
		return nil
	default:
		return fmt.Errorf("tun: inject queue full")
	}
}

func (m *MemDevice) Close() error {
	atomic.StoreInt32(&m.closed, 1)
	return nil
}

var _ Device = (*MemDevice)(nil)
