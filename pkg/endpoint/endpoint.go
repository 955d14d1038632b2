// Package endpoint implements the peer service loop and protocol state
// machine: the heart of the tunnel. One Endpoint owns a TUN device, a UDP
// socket, a remote-peer table, and the send/receive buffers that carry
// every message through the frame codec (pkg/wire), the packet rewriter
// (pkg/nat), and the external drivers (pkg/tun, pkg/udpio). Ticking the
// endpoint runs one cooperative pass: timer maintenance, then bounded
// ingress, then bounded egress, matching this codebase's own
// single-goroutine, channel-bridged pump style (pkg/layer3/tun.go,
// pkg/daemonmgr/manager.go's frame routers) generalized to a single loop
// instead of two independent goroutines, since here both directions share
// one peer table that must not be mutated concurrently.
package endpoint

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/shadowmesh/vpntun/pkg/logging"
	"github.com/shadowmesh/vpntun/pkg/peer"
	"github.com/shadowmesh/vpntun/pkg/tun"
	"github.com/shadowmesh/vpntun/pkg/udpio"
	"github.com/shadowmesh/vpntun/pkg/wire"
)

// Mode is an endpoint's immutable role, set at construction.
type Mode int

const (
	ModeServer Mode = iota
	ModeClient
)

func (m Mode) String() string {
	if m == ModeServer {
		return "server"
	}
	return "client"
}

// bufferSlack reserves headroom beyond configured_mtu + header_size for
// cipher/compressor expansion (AEAD tag, nonce, incompressible-fallback
// length prefix); real hooks report their own overhead but the endpoint
// itself is generic over any wire.Cipher/wire.Compressor, so a fixed
// allowance is reserved up front rather than threading hook-specific sizes
// through this package.
const bufferSlack = 64

// Hooks are optional callbacks fired on protocol transitions, the seam
// supporting packages (peerstore, audit) attach to without the endpoint
// importing them directly.
type Hooks struct {
	OnConnect    func(r *peer.Remote)
	OnReconnect  func(r *peer.Remote)
	OnDisconnect func(r *peer.Remote)
}

// Config bundles everything an Endpoint needs to run. Device and Socket
// must already be open; New configures addressing on Device but does not
// open or close either.
type Config struct {
	Mode   Mode
	Device tun.Device
	Socket udpio.Socket
	Codec  *wire.Codec

	// TunnelBlock is an IPv4 /24 (e.g. 10.9.7.0): on the server it is both
	// the device's own address block and the pool VPN addresses are drawn
	// from (last octet = peer id); on the client it is only the device's
	// own address block.
	TunnelBlock net.IP
	MTU         int

	// ServerAddr is required in ModeClient: the server's outer address.
	ServerAddr *net.UDPAddr

	MaxIngressPerTick int
	MaxEgressPerTick  int
	KeepaliveTimeout  time.Duration
	ConnectionTimeout time.Duration
	ReliableRetry     time.Duration

	Logger *logging.Logger
	Hooks  Hooks

	// Rand sources 64-bit reconnect secrets; defaults to crypto/rand.
	Rand io.Reader
	// Now returns the current time; defaults to time.Now, overridable for
	// deterministic tests.
	Now func() time.Time
}

// Endpoint is one side of a tunnel: a server (many peers) or a client
// (exactly one peer, the server).
type Endpoint struct {
	mode   Mode
	device tun.Device
	socket udpio.Socket
	codec  *wire.Codec

	tunnelBlock net.IP
	localAddr   net.IP // this endpoint's own TUN address, for client rewrite
	serverAddr  *net.UDPAddr

	maxIngress int
	maxEgress  int
	keepalive  time.Duration
	connTTL    time.Duration
	retry      time.Duration

	peers  peer.Table
	nextID uint8 // server-only allocator cursor
	client *peer.Remote // client-only: the single remote (the server)

	sendBuf []byte
	recvBuf []byte

	log   *logging.Logger
	hooks Hooks
	rand  io.Reader
	now   func() time.Time

	closed bool
}

// New validates cfg and constructs an Endpoint. It configures addressing
// on cfg.Device (SetAddresses/SetMTU) but does not open or close it.
func New(cfg Config) (*Endpoint, error) {
	if cfg.MTU < wire.MinMTU || cfg.MTU > wire.MaxMTU {
		return nil, fmt.Errorf("endpoint: mtu %d out of range [%d, %d]", cfg.MTU, wire.MinMTU, wire.MaxMTU)
	}
	if cfg.Mode == ModeClient && cfg.ServerAddr == nil {
		return nil, fmt.Errorf("endpoint: client mode requires ServerAddr")
	}
	if cfg.Device == nil || cfg.Socket == nil {
		return nil, fmt.Errorf("endpoint: Device and Socket are required")
	}

	local, _, err := cfg.Device.SetAddresses(cfg.TunnelBlock)
	if err != nil {
		return nil, fmt.Errorf("endpoint: configure tun addresses: %w", err)
	}
	if err := cfg.Device.SetMTU(cfg.MTU); err != nil {
		return nil, fmt.Errorf("endpoint: set mtu: %w", err)
	}

	bufSize := cfg.MTU + wire.HeaderSize + bufferSlack

	e := &Endpoint{
		mode:        cfg.Mode,
		device:      cfg.Device,
		socket:      cfg.Socket,
		codec:       cfg.Codec,
		tunnelBlock: cfg.TunnelBlock,
		localAddr:   local,
		serverAddr:  cfg.ServerAddr,
		maxIngress:  orDefault(cfg.MaxIngressPerTick, 100),
		maxEgress:   orDefault(cfg.MaxEgressPerTick, 100),
		keepalive:   orDefaultDuration(cfg.KeepaliveTimeout, wire.KeepaliveTimeout),
		connTTL:     orDefaultDuration(cfg.ConnectionTimeout, wire.ConnectionTimeout),
		retry:       orDefaultDuration(cfg.ReliableRetry, wire.ReliableRetry),
		nextID:      peer.MinID,
		sendBuf:     make([]byte, bufSize),
		recvBuf:     make([]byte, bufSize),
		log:         cfg.Logger,
		hooks:       cfg.Hooks,
		rand:        cfg.Rand,
		now:         cfg.Now,
	}
	if e.codec == nil {
		e.codec = wire.NewCodec(nil, nil)
	}
	if e.rand == nil {
		e.rand = rand.Reader
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.log == nil {
		e.log = logging.Default()
	}
	return e, nil
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func orDefaultDuration(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}

// Connect arms the client's single remote record for handshaking
// (spec's "peer_connect"). It is a no-op in server mode.
func (e *Endpoint) Connect() {
	if e.mode != ModeClient {
		return
	}
	e.client = &peer.Remote{
		ID:       peer.Unassigned,
		State:    peer.Handshaking,
		Real:     e.serverAddr,
		LocalTun: e.localAddr,
	}
	e.peers.PushBack(e.client)
}

// PeerCount returns the number of remotes currently tracked.
func (e *Endpoint) PeerCount() int { return e.peers.Len() }

// Each exposes read-only traversal of the peer table for status reporting
// (statusapi, controlapi).
func (e *Endpoint) Each(fn func(*peer.Remote) bool) { e.peers.Each(fn) }

// newSecret draws a fresh 64-bit reconnect secret.
func (e *Endpoint) newSecret() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(e.rand, b[:]); err != nil {
		return 0, fmt.Errorf("endpoint: generate secret: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// allocateID finds the next free small integer id in [MinID, MaxID],
// wrapping the monotonic cursor, per spec.md §9 ("next_id++ is canonical").
func (e *Endpoint) allocateID() (uint8, bool) {
	span := int(peer.MaxID-peer.MinID) + 1
	for i := 0; i < span; i++ {
		id := e.nextID
		e.nextID++
		if e.nextID > peer.MaxID {
			e.nextID = peer.MinID
		}
		if e.peers.FindByID(id) == nil {
			return id, true
		}
	}
	return 0, false
}

func vpnAddressForID(block net.IP, id uint8) net.IP {
	v4 := block.To4()
	return net.IPv4(v4[0], v4[1], v4[2], id)
}

// Close releases the endpoint's resources in reverse acquisition order:
// socket first, then device (spec.md §4.5 cancellation).
func (e *Endpoint) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	sockErr := e.socket.Close()
	devErr := e.device.Close()
	if sockErr != nil {
		return fmt.Errorf("endpoint: close socket: %w", sockErr)
	}
	if devErr != nil {
		return fmt.Errorf("endpoint: close device: %w", devErr)
	}
	return nil
}
