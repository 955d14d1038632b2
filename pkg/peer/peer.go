// Package peer implements the remote-peer table: the per-remote session
// record (spec.md §3) and the intrusive doubly linked list it lives in
// (spec.md §9 — a slab/hash-table reimplementation is permitted as long
// as the external lookup semantics in spec.md §4.3 are preserved; this
// implementation keeps the intrusive list because the table rarely holds
// more than a few hundred entries and linear scan is the specified
// baseline).
package peer

import (
	"net"
	"time"
)

// State is a remote peer's position in the protocol state machine
// (spec.md §4.2). "Reconnecting" is subsumed by Handshaking, per spec.
type State int

const (
	Disconnected State = iota
	Handshaking
	Connected
)

// String renders a state for logging.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Handshaking:
		return "handshaking"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Unassigned is the sentinel ID meaning "no id allocated yet".
const Unassigned uint8 = 0

// MinID and MaxID bound the range the server's allocator draws from.
const (
	MinID uint8 = 3
	MaxID uint8 = 254
)

// Remote is one remote peer's session record. A server endpoint holds any
// number of these; a client endpoint holds exactly one.
type Remote struct {
	ID      uint8
	State   State
	Secret  uint64
	Real    *net.UDPAddr // outer (ip, port); mutable across reconnects
	VPN     net.IP       // inner tunnel address; server-side only
	LocalTun net.IP      // client-side only: this client's own tunnel address, cached for rewriter use

	LastRecv time.Time
	LastSend time.Time
	LastPing time.Time
	RTT      time.Duration

	prev, next *Remote
}

// AddrEqual reports whether two outer addresses identify the same peer,
// per spec.md §4.3: ip family, address bytes, and port (and, for IPv6,
// the zone/scope id — Go's net package does not expose IPv6 flow info, so
// that comparison is limited to what net.UDPAddr carries).
func AddrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Port != b.Port || a.Zone != b.Zone {
		return false
	}
	return a.IP.Equal(b.IP)
}

// VPNEqual reports whether two inner tunnel addresses match, per
// spec.md §4.3: ip family and address bytes only (port is irrelevant).
func VPNEqual(a, b net.IP) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}
