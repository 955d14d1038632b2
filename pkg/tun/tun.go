// Package tun implements the TUN device driver contract spec.md §4.6
// describes at arm's length: open/close/up/down, address/netmask/MTU
// configuration, and non-blocking read/write. The real backend
// (water.go) wraps github.com/songgao/water, grounded on this codebase's
// own pkg/layer3/tun.go. The MemDevice debug double (debug.go, built in
// cross-wired pairs by NewPipe) implements the same interface in-process
// for the "-d" smoke-test mode
// (spec.md §6, supplemented from original_source/main.c's debug path).
package tun

import (
	"errors"
	"net"
)

// ErrPending is returned by Read/Write when the operation would block;
// the analogue of the source's EAGAIN (spec.md §4.6, §9).
var ErrPending = errors.New("tun: operation would block")

// Device is the TUN driver contract the endpoint consumes.
type Device interface {
	// Name returns the interface name the kernel assigned or was given.
	Name() string
	// SetAddresses configures the interface from an IPv4 /24 block,
	// splitting it into a local host address (.2) and a remote/peer
	// address (.1), per spec.md §4.6.
	SetAddresses(block net.IP) (local, remote net.IP, err error)
	// SetNetmask sets the interface netmask.
	SetNetmask(mask net.IPMask) error
	// MTU returns the interface's current MTU.
	MTU() int
	// SetMTU sets the interface MTU; rejected below MinMTU or above
	// MaxMTU by the caller before this is ever invoked.
	SetMTU(n int) error
	// LocalAddress returns the address configured by SetAddresses.
	LocalAddress() net.IP
	// RemoteAddress returns the peer address configured by SetAddresses.
	RemoteAddress() net.IP
	// Up brings the interface up.
	Up() error
	// Down brings the interface down without closing the handle.
	Down() error
	// IsValid reports whether the underlying handle is still usable.
	IsValid() bool
	// Read copies one packet into buf, returning its length, or
	// ErrPending if none is ready yet.
	Read(buf []byte) (int, error)
	// Write submits buf (a single packet) for injection into the kernel,
	// returning ErrPending if the write would have to block.
	Write(buf []byte) (int, error)
	// Close releases the underlying handle.
	Close() error
}

// Config bundles the parameters needed to open or attach a TUN device.
type Config struct {
	Name       string
	Block      net.IP
	Netmask    net.IPMask
	MTU        int
	Persistent bool // spec.md §6 "-p": leave the device attached on Close
}
