package nat

import (
	"encoding/binary"
	"net"
	"testing"
)

// buildIPv4TCP constructs a minimal, checksummed IPv4+TCP packet (no
// options, no payload) from src to dst.
func buildIPv4TCP(t *testing.T, src, dst net.IP) []byte {
	t.Helper()
	packet := make([]byte, 40) // 20 IP + 20 TCP
	packet[0] = 0x45           // version 4, IHL 5
	packet[9] = protoTCP
	binary.BigEndian.PutUint16(packet[2:4], uint16(len(packet)))
	copy(packet[12:16], src.To4())
	copy(packet[16:20], dst.To4())

	tcp := packet[20:]
	binary.BigEndian.PutUint16(tcp[0:2], 1234) // src port
	binary.BigEndian.PutUint16(tcp[2:4], 80)   // dst port
	tcp[12] = 5 << 4                           // data offset 5

	if err := fixTCPChecksum(packet[:20], tcp); err != nil {
		t.Fatalf("fixTCPChecksum() error = %v", err)
	}
	binary.BigEndian.PutUint16(packet[10:12], 0)
	binary.BigEndian.PutUint16(packet[10:12], ipv4HeaderChecksum(packet[:20]))
	return packet
}

func TestRewriteSourceIPv4RecomputesChecksums(t *testing.T) {
	packet := buildIPv4TCP(t, net.ParseIP("10.9.6.2"), net.ParseIP("8.8.8.8"))

	if err := RewriteSource(packet, net.ParseIP("10.9.7.3")); err != nil {
		t.Fatalf("RewriteSource() error = %v", err)
	}

	if !VerifyIPv4HeaderChecksum(packet[:20]) {
		t.Error("IPv4 header checksum invalid after rewrite")
	}
	if got := net.IP(packet[12:16]); !got.Equal(net.ParseIP("10.9.7.3")) {
		t.Errorf("source = %v, want 10.9.7.3", got)
	}
	if got := net.IP(packet[16:20]); !got.Equal(net.ParseIP("8.8.8.8")) {
		t.Errorf("destination changed unexpectedly: %v", got)
	}

	// Verify the TCP checksum independently: pseudo-header + segment
	// should fold to 0xFFFF (i.e. foldChecksum returns 0).
	var pseudo [12]byte
	copy(pseudo[0:4], packet[12:16])
	copy(pseudo[4:8], packet[16:20])
	pseudo[9] = protoTCP
	binary.BigEndian.PutUint16(pseudo[10:12], 20)
	sum := sumWords(pseudo[:]) + sumWords(packet[20:])
	if foldChecksum(sum) != 0 {
		t.Error("TCP checksum invalid after rewrite")
	}
}

func TestRewriteDestIPv4(t *testing.T) {
	packet := buildIPv4TCP(t, net.ParseIP("10.9.7.3"), net.ParseIP("10.9.7.1"))

	if err := RewriteDest(packet, net.ParseIP("10.9.6.2")); err != nil {
		t.Fatalf("RewriteDest() error = %v", err)
	}
	if !VerifyIPv4HeaderChecksum(packet[:20]) {
		t.Error("IPv4 header checksum invalid after rewrite")
	}
	if got := net.IP(packet[16:20]); !got.Equal(net.ParseIP("10.9.6.2")) {
		t.Errorf("destination = %v, want 10.9.6.2", got)
	}
}

func TestRewriteUDPZeroesChecksum(t *testing.T) {
	packet := make([]byte, 28) // 20 IP + 8 UDP
	packet[0] = 0x45
	packet[9] = protoUDP
	binary.BigEndian.PutUint16(packet[2:4], uint16(len(packet)))
	copy(packet[12:16], net.ParseIP("10.9.6.2").To4())
	copy(packet[16:20], net.ParseIP("1.1.1.1").To4())
	binary.BigEndian.PutUint16(packet[10:12], ipv4HeaderChecksum(packet[:20]))
	binary.BigEndian.PutUint16(packet[26:28], 0xBEEF) // stale UDP checksum

	if err := RewriteSource(packet, net.ParseIP("10.9.7.5")); err != nil {
		t.Fatalf("RewriteSource() error = %v", err)
	}
	if got := binary.BigEndian.Uint16(packet[26:28]); got != 0 {
		t.Errorf("UDP checksum = %#x, want 0", got)
	}
}

func TestRewriteRejectsShortPacket(t *testing.T) {
	if err := RewriteSource([]byte{0x45, 0, 0}, net.ParseIP("10.0.0.1")); err == nil {
		t.Fatal("expected error for truncated packet")
	}
}

func TestRewriteRejectsWrongFamily(t *testing.T) {
	packet := make([]byte, 20)
	packet[0] = 0x00 // neither 4 nor 6 in version nibble
	if err := RewriteSource(packet, net.ParseIP("10.0.0.1")); err == nil {
		t.Fatal("expected error for unrecognized IP version")
	}
}

func TestRewriteIPv6AddressOnly(t *testing.T) {
	packet := make([]byte, 40)
	packet[0] = 0x60 // version 6
	newSrc := net.ParseIP("fd00::2")

	if err := RewriteSource(packet, newSrc); err != nil {
		t.Fatalf("RewriteSource() error = %v", err)
	}
	if got := net.IP(packet[8:24]); !got.Equal(newSrc) {
		t.Errorf("ipv6 source = %v, want %v", got, newSrc)
	}
}
