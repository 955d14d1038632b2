package endpoint

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/shadowmesh/vpntun/pkg/nat"
	"github.com/shadowmesh/vpntun/pkg/peer"
	"github.com/shadowmesh/vpntun/pkg/tun"
	"github.com/shadowmesh/vpntun/pkg/udpio"
	"github.com/shadowmesh/vpntun/pkg/wire"
)

func loopbackSocket(t *testing.T) *udpio.UDPSocket {
	t.Helper()
	s, err := udpio.Open(false)
	if err != nil {
		t.Fatalf("udpio.Open() error = %v", err)
	}
	if err := s.Bind(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	return s
}

var tunnelBlock = net.IPv4(10, 9, 7, 0)

// soleServerPeer returns the server's one tracked remote, or nil.
func soleServerPeer(e *Endpoint) *peer.Remote {
	var found *peer.Remote
	e.Each(func(r *peer.Remote) bool {
		found = r
		return false
	})
	return found
}

// buildUDPPacket constructs a minimal IPv4/UDP datagram from src to dst,
// enough to exercise RewriteSource without a real TCP checksum to fix up.
func buildUDPPacket(src, dst net.IP) []byte {
	packet := make([]byte, 28) // 20 IP + 8 UDP
	packet[0] = 0x45
	packet[9] = 17 // UDP
	binary.BigEndian.PutUint16(packet[2:4], uint16(len(packet)))
	copy(packet[12:16], src.To4())
	copy(packet[16:20], dst.To4())
	binary.BigEndian.PutUint16(packet[20:22], 5555)
	binary.BigEndian.PutUint16(packet[22:24], 53)
	binary.BigEndian.PutUint16(packet[24:26], 8)
	return packet
}

// TestHandshakeConnectsAndDataFlows drives a client and server endpoint
// over real loopback UDP sockets and in-process TUN doubles through a
// full handshake, then checks that a packet injected into the client's
// device arrives at the server's device with its source address rewritten
// to the client's VPN address (spec.md §8 scenarios 1 and 5).
func TestHandshakeConnectsAndDataFlows(t *testing.T) {
	serverSock := loopbackSocket(t)
	defer serverSock.Close()
	clientSock := loopbackSocket(t)
	defer clientSock.Close()

	clientDevice, _ := tun.NewPipe(1400)
	serverObserver, serverDevice := tun.NewPipe(1400)

	server, err := New(Config{
		Mode:        ModeServer,
		Device:      serverDevice,
		Socket:      serverSock,
		TunnelBlock: tunnelBlock,
		MTU:         1400,
	})
	if err != nil {
		t.Fatalf("New(server) error = %v", err)
	}
	defer server.Close()

	client, err := New(Config{
		Mode:        ModeClient,
		Device:      clientDevice,
		Socket:      clientSock,
		TunnelBlock: tunnelBlock,
		MTU:         1400,
		ServerAddr:  serverSock.LocalAddr(),
	})
	if err != nil {
		t.Fatalf("New(client) error = %v", err)
	}
	defer client.Close()

	client.Connect()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := client.Tick(); err != nil {
			t.Fatalf("client.Tick() error = %v", err)
		}
		if err := server.Tick(); err != nil {
			t.Fatalf("server.Tick() error = %v", err)
		}
		if client.client != nil && client.client.State == peer.Connected && client.client.ID != peer.Unassigned && server.PeerCount() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client and server never reached a connected state")
		}
		time.Sleep(time.Millisecond)
	}

	serverPeer := soleServerPeer(server)
	if serverPeer == nil {
		t.Fatal("server has no tracked peer after handshake")
	}
	wantSrc := serverPeer.VPN

	inner := buildUDPPacket(net.IPv4(10, 9, 7, 2), net.IPv4(203, 0, 113, 5))
	if err := clientDevice.Inject(inner); err != nil {
		t.Fatalf("Inject() error = %v", err)
	}

	var relayed []byte
	deadline = time.Now().Add(3 * time.Second)
	for {
		if err := client.Tick(); err != nil {
			t.Fatalf("client.Tick() error = %v", err)
		}
		if err := server.Tick(); err != nil {
			t.Fatalf("server.Tick() error = %v", err)
		}
		buf := make([]byte, 1500)
		if n, err := serverObserver.Read(buf); err == nil {
			relayed = buf[:n]
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("data packet never reached the server's device")
		}
		time.Sleep(time.Millisecond)
	}

	if got := net.IP(relayed[12:16]); !got.Equal(wantSrc) {
		t.Errorf("relayed packet source = %v, want %v", got, wantSrc)
	}
	if got := net.IP(relayed[16:20]); !got.Equal(net.IPv4(203, 0, 113, 5)) {
		t.Errorf("relayed packet destination changed unexpectedly: %v", got)
	}
}

// TestConnectionTimeoutRemovesPeer drives a server endpoint with a fake
// clock: a handshake arrives, the server accepts it, then time is
// advanced past ConnectionTimeout with no further traffic, and the peer
// must be removed by the next Tick (spec.md §4.2's timeout transition).
func TestConnectionTimeoutRemovesPeer(t *testing.T) {
	serverSock := loopbackSocket(t)
	defer serverSock.Close()
	rawClient := loopbackSocket(t)
	defer rawClient.Close()

	_, serverDevice := tun.NewPipe(1400)

	fakeNow := time.Now()
	server, err := New(Config{
		Mode:              ModeServer,
		Device:            serverDevice,
		Socket:            serverSock,
		TunnelBlock:       tunnelBlock,
		MTU:               1400,
		ConnectionTimeout: 20 * time.Millisecond,
		Now:               func() time.Time { return fakeNow },
	})
	if err != nil {
		t.Fatalf("New(server) error = %v", err)
	}
	defer server.Close()

	codec := wire.NewCodec(nil, nil)
	buf := make([]byte, 512)
	n, err := codec.Wrap(buf, wire.TypeClientHandshake, wire.EncodeHandshake(wire.HandshakeBody{
		ProtocolID: wire.ProtocolID,
		Version:    wire.ProtocolVersion,
	}))
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}
	if _, err := rawClient.Send(buf[:n], serverSock.LocalAddr()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := server.Tick(); err != nil {
			t.Fatalf("server.Tick() error = %v", err)
		}
		if server.PeerCount() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server never accepted the handshake")
		}
		time.Sleep(time.Millisecond)
	}

	fakeNow = fakeNow.Add(100 * time.Millisecond)
	if err := server.Tick(); err != nil {
		t.Fatalf("server.Tick() error = %v", err)
	}
	if got := server.PeerCount(); got != 0 {
		t.Errorf("PeerCount() after timeout = %d, want 0", got)
	}
}

// TestHandleDatagramDropsMalformed feeds garbage bytes at a server
// endpoint and checks they are dropped without creating a peer or
// returning a fatal error (spec.md §7 category 2).
func TestHandleDatagramDropsMalformed(t *testing.T) {
	serverSock := loopbackSocket(t)
	defer serverSock.Close()
	rawClient := loopbackSocket(t)
	defer rawClient.Close()

	_, serverDevice := tun.NewPipe(1400)
	server, err := New(Config{
		Mode:        ModeServer,
		Device:      serverDevice,
		Socket:      serverSock,
		TunnelBlock: tunnelBlock,
		MTU:         1400,
	})
	if err != nil {
		t.Fatalf("New(server) error = %v", err)
	}
	defer server.Close()

	if _, err := rawClient.Send([]byte("not a valid envelope"), serverSock.LocalAddr()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := server.Tick(); err != nil {
			t.Fatalf("server.Tick() error = %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	if got := server.PeerCount(); got != 0 {
		t.Errorf("PeerCount() = %d, want 0 after malformed datagram", got)
	}
}

// TestKeepaliveProducesRTT drives a connected client/server pair with a
// short KeepaliveTimeout and idle traffic, checking that the client sends
// a Ping, the server answers with a Pong, rtt becomes nonzero, and
// neither side leaves the connected state (spec.md §8 scenario 2).
func TestKeepaliveProducesRTT(t *testing.T) {
	serverSock := loopbackSocket(t)
	defer serverSock.Close()
	clientSock := loopbackSocket(t)
	defer clientSock.Close()

	clientDevice, _ := tun.NewPipe(1400)
	_, serverDevice := tun.NewPipe(1400)

	server, err := New(Config{
		Mode:             ModeServer,
		Device:           serverDevice,
		Socket:           serverSock,
		TunnelBlock:      tunnelBlock,
		MTU:              1400,
		KeepaliveTimeout: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New(server) error = %v", err)
	}
	defer server.Close()

	client, err := New(Config{
		Mode:             ModeClient,
		Device:           clientDevice,
		Socket:           clientSock,
		TunnelBlock:      tunnelBlock,
		MTU:              1400,
		ServerAddr:       serverSock.LocalAddr(),
		KeepaliveTimeout: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New(client) error = %v", err)
	}
	defer client.Close()

	client.Connect()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := client.Tick(); err != nil {
			t.Fatalf("client.Tick() error = %v", err)
		}
		if err := server.Tick(); err != nil {
			t.Fatalf("server.Tick() error = %v", err)
		}
		if client.client != nil && client.client.State == peer.Connected && server.PeerCount() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client and server never reached a connected state")
		}
		time.Sleep(time.Millisecond)
	}

	deadline = time.Now().Add(3 * time.Second)
	for {
		if err := client.Tick(); err != nil {
			t.Fatalf("client.Tick() error = %v", err)
		}
		if err := server.Tick(); err != nil {
			t.Fatalf("server.Tick() error = %v", err)
		}
		if client.client.RTT > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client never observed a nonzero rtt")
		}
		time.Sleep(time.Millisecond)
	}

	if client.client.State != peer.Connected {
		t.Errorf("client state = %v, want connected", client.client.State)
	}
	if got := server.PeerCount(); got != 1 {
		t.Errorf("server PeerCount() = %d, want 1", got)
	}
}

// TestReconnectAfterAddressChange simulates a client rebinding to a new
// ephemeral source port: a raw socket standing in for the rebound client
// sends a ClientReconnect carrying the (id, secret) issued during an
// earlier handshake, from a different address than the one the server
// has on file. The server must recognize it by (id, secret), update
// real_address, rotate the secret, and reply with ServerReconnect
// (spec.md §8 scenario 4).
func TestReconnectAfterAddressChange(t *testing.T) {
	serverSock := loopbackSocket(t)
	defer serverSock.Close()
	oldClientSock := loopbackSocket(t)
	defer oldClientSock.Close()
	newClientSock := loopbackSocket(t)
	defer newClientSock.Close()

	_, serverDevice := tun.NewPipe(1400)
	server, err := New(Config{
		Mode:        ModeServer,
		Device:      serverDevice,
		Socket:      serverSock,
		TunnelBlock: tunnelBlock,
		MTU:         1400,
	})
	if err != nil {
		t.Fatalf("New(server) error = %v", err)
	}
	defer server.Close()

	codec := wire.NewCodec(nil, nil)
	buf := make([]byte, 512)

	n, err := codec.Wrap(buf, wire.TypeClientHandshake, wire.EncodeHandshake(wire.HandshakeBody{
		ProtocolID: wire.ProtocolID,
		Version:    wire.ProtocolVersion,
	}))
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}
	if _, err := oldClientSock.Send(buf[:n], serverSock.LocalAddr()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := server.Tick(); err != nil {
			t.Fatalf("server.Tick() error = %v", err)
		}
		if server.PeerCount() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server never accepted the handshake")
		}
		time.Sleep(time.Millisecond)
	}

	original := soleServerPeer(server)
	if original == nil {
		t.Fatal("server has no tracked peer after handshake")
	}
	id, oldSecret := original.ID, original.Secret
	if oldSecret == 0 {
		t.Fatal("server issued a zero reconnect secret")
	}

	n, err = codec.Wrap(buf, wire.TypeClientReconnect, wire.EncodeReconnect(wire.ReconnectBody{
		ID:     id,
		Secret: oldSecret,
	}))
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}
	if _, err := newClientSock.Send(buf[:n], serverSock.LocalAddr()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		if err := server.Tick(); err != nil {
			t.Fatalf("server.Tick() error = %v", err)
		}
		current := soleServerPeer(server)
		if current != nil && current.Secret != oldSecret {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server never rotated the secret after reconnect")
		}
		time.Sleep(time.Millisecond)
	}

	rebound := soleServerPeer(server)
	if got := server.PeerCount(); got != 1 {
		t.Fatalf("server PeerCount() = %d, want 1 (no duplicate peer)", got)
	}
	if rebound.ID != id {
		t.Errorf("rebound peer id = %d, want %d", rebound.ID, id)
	}
	if !peer.AddrEqual(rebound.Real, newClientSock.LocalAddr()) {
		t.Errorf("rebound peer real_address = %v, want %v", rebound.Real, newClientSock.LocalAddr())
	}

	readBuf := make([]byte, 512)
	var rn int
	deadline = time.Now().Add(2 * time.Second)
	for {
		n, _, recvErr := newClientSock.Receive(readBuf)
		if recvErr == nil {
			rn = n
			break
		}
		if !errors.Is(recvErr, udpio.ErrPending) {
			t.Fatalf("Receive() error = %v", recvErr)
		}
		if time.Now().After(deadline) {
			t.Fatal("server never replied with ServerReconnect")
		}
		time.Sleep(time.Millisecond)
	}
	rt, rbody, err := codec.Unwrap(readBuf, rn)
	if err != nil {
		t.Fatalf("Unwrap() error = %v", err)
	}
	if rt != wire.TypeServerReconnect {
		t.Fatalf("reply type = %v, want ServerReconnect", rt)
	}
	rc, err := wire.DecodeReconnect(rbody)
	if err != nil {
		t.Fatalf("DecodeReconnect() error = %v", err)
	}
	if rc.Secret != rebound.Secret {
		t.Errorf("ServerReconnect secret = %d, want %d", rc.Secret, rebound.Secret)
	}
}

// TestReverseNATRewritesDestination drives a connected client/server pair,
// then injects a packet into the server's TUN device addressed to the
// client's vpn_address. The server must route it to the matching peer as
// Data; the client, on receipt, must write a packet to its own TUN device
// with the destination rewritten to its cached local tunnel address and a
// valid IPv4 header checksum (spec.md §8 scenario 6).
func TestReverseNATRewritesDestination(t *testing.T) {
	serverSock := loopbackSocket(t)
	defer serverSock.Close()
	clientSock := loopbackSocket(t)
	defer clientSock.Close()

	_, serverDevice := tun.NewPipe(1400)
	clientObserver, clientDevice := tun.NewPipe(1400)

	server, err := New(Config{
		Mode:        ModeServer,
		Device:      serverDevice,
		Socket:      serverSock,
		TunnelBlock: tunnelBlock,
		MTU:         1400,
	})
	if err != nil {
		t.Fatalf("New(server) error = %v", err)
	}
	defer server.Close()

	client, err := New(Config{
		Mode:        ModeClient,
		Device:      clientDevice,
		Socket:      clientSock,
		TunnelBlock: tunnelBlock,
		MTU:         1400,
		ServerAddr:  serverSock.LocalAddr(),
	})
	if err != nil {
		t.Fatalf("New(client) error = %v", err)
	}
	defer client.Close()

	client.Connect()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := client.Tick(); err != nil {
			t.Fatalf("client.Tick() error = %v", err)
		}
		if err := server.Tick(); err != nil {
			t.Fatalf("server.Tick() error = %v", err)
		}
		if client.client != nil && client.client.State == peer.Connected && client.client.ID != peer.Unassigned && server.PeerCount() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client and server never reached a connected state")
		}
		time.Sleep(time.Millisecond)
	}

	serverPeer := soleServerPeer(server)
	if serverPeer == nil {
		t.Fatal("server has no tracked peer after handshake")
	}

	inner := buildUDPPacket(net.IPv4(203, 0, 113, 5), serverPeer.VPN)
	if err := serverDevice.Inject(inner); err != nil {
		t.Fatalf("Inject() error = %v", err)
	}

	var relayed []byte
	deadline = time.Now().Add(3 * time.Second)
	for {
		if err := client.Tick(); err != nil {
			t.Fatalf("client.Tick() error = %v", err)
		}
		if err := server.Tick(); err != nil {
			t.Fatalf("server.Tick() error = %v", err)
		}
		buf := make([]byte, 1500)
		if n, err := clientObserver.Read(buf); err == nil {
			relayed = buf[:n]
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("data packet never reached the client's device")
		}
		time.Sleep(time.Millisecond)
	}

	wantDst := client.client.LocalTun
	if got := net.IP(relayed[16:20]); !got.Equal(wantDst) {
		t.Errorf("relayed packet destination = %v, want %v", got, wantDst)
	}
	if got := net.IP(relayed[12:16]); !got.Equal(net.IPv4(203, 0, 113, 5)) {
		t.Errorf("relayed packet source changed unexpectedly: %v", got)
	}
	ihl := int(relayed[0]&0x0F) * 4
	if !nat.VerifyIPv4HeaderChecksum(relayed[:ihl]) {
		t.Error("relayed packet has an invalid IPv4 header checksum")
	}
}
