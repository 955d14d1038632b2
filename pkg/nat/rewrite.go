// Package nat implements the server-side packet rewriter (spec.md §4.4):
// symmetric address substitution on inner IP packets carried by Data
// messages, with IPv4/TCP/UDP checksum recomputation. Grounded on the
// hand-rolled checksum math in this codebase's pkg/p2p/udp_connection.go,
// extended to also rewrite addresses and recompute TCP checksums — no
// library in this dependency stack (gopacket et al. appear only in
// unrelated reference repos, never in this codebase's own module graph)
// offers in-place header rewriting, so this stays on encoding/binary-style
// bit manipulation, matching the teacher's own precedent for this exact
// kind of arithmetic.
package nat

import (
	"encoding/binary"
	"fmt"
	"net"
)

const (
	protoTCP = 6
	protoUDP = 17
)

// ipVersion returns the IP version nibble, or 0 if packet is too short to
// contain one.
func ipVersion(packet []byte) int {
	if len(packet) < 1 {
		return 0
	}
	return int(packet[0] >> 4)
}

// RewriteSource replaces the source address of an inner IP packet with
// newSrc and recomputes affected checksums. Used on the server when
// writing a client's Data payload into its own TUN (spec.md §4.4,
// "outgoing from server to client / client → host flow").
func RewriteSource(packet []byte, newSrc net.IP) error {
	return rewrite(packet, newSrc, true)
}

// RewriteDest replaces the destination address of an inner IP packet with
// newDst and recomputes affected checksums. Used on the client when
// writing a server-relayed Data payload into its own TUN (spec.md §4.4,
// "outgoing from client to host (TUN) after receiving from server").
func RewriteDest(packet []byte, newDst net.IP) error {
	return rewrite(packet, newDst, false)
}

func rewrite(packet []byte, newAddr net.IP, rewriteSource bool) error {
	switch ipVersion(packet) {
	case 4:
		return rewriteIPv4(packet, newAddr, rewriteSource)
	case 6:
		return rewriteIPv6(packet, newAddr, rewriteSource)
	default:
		return fmt.Errorf("nat: packet is neither IPv4 nor IPv6")
	}
}

const ipv4MinHeaderLen = 20

func rewriteIPv4(packet []byte, newAddr net.IP, rewriteSource bool) error {
	if len(packet) < ipv4MinHeaderLen {
		return fmt.Errorf("nat: ipv4 packet shorter than minimum header: %d bytes", len(packet))
	}
	ihl := int(packet[0]&0x0F) * 4
	if ihl < ipv4MinHeaderLen || len(packet) < ihl {
		return fmt.Errorf("nat: invalid ipv4 header length: %d", ihl)
	}
	addr4 := newAddr.To4()
	if addr4 == nil {
		return fmt.Errorf("nat: replacement address is not IPv4: %v", newAddr)
	}

	var off int
	if rewriteSource {
		off = 12
	} else {
		off = 16
	}
	copy(packet[off:off+4], addr4)

	binary.BigEndian.PutUint16(packet[10:12], 0)
	binary.BigEndian.PutUint16(packet[10:12], ipv4HeaderChecksum(packet[:ihl]))

	proto := packet[9]
	payload := packet[ihl:]
	switch proto {
	case protoTCP:
		if err := fixTCPChecksum(packet[:ihl], payload); err != nil {
			return fmt.Errorf("nat: tcp checksum: %w", err)
		}
	case protoUDP:
		if len(payload) >= 8 {
			binary.BigEndian.PutUint16(payload[6:8], 0) // optional in IPv4, zeroed per spec
		}
	}
	return nil
}

const ipv6HeaderLen = 40

func rewriteIPv6(packet []byte, newAddr net.IP, rewriteSource bool) error {
	if len(packet) < ipv6HeaderLen {
		return fmt.Errorf("nat: ipv6 packet shorter than fixed header: %d bytes", len(packet))
	}
	addr16 := newAddr.To16()
	if addr16 == nil {
		return fmt.Errorf("nat: replacement address is not valid IP: %v", newAddr)
	}
	var off int
	if rewriteSource {
		off = 8
	} else {
		off = 24
	}
	copy(packet[off:off+16], addr16)
	// Transport/header checksum recomputation for IPv6 is out of scope
	// (spec.md §4.4, §9): only the address field is written.
	return nil
}

// ipv4HeaderChecksum computes the one's-complement checksum over header,
// which must have its checksum field (bytes 10-11) already zeroed.
func ipv4HeaderChecksum(header []byte) uint16 {
	return foldChecksum(sumWords(header))
}

// fixTCPChecksum recomputes the TCP checksum over the pseudo-header
// (source, destination, zero, protocol, tcp length) plus the TCP segment,
// with the segment's own checksum field zeroed first.
func fixTCPChecksum(ipHeader, segment []byte) error {
	if len(segment) < 20 {
		return fmt.Errorf("segment shorter than minimum TCP header: %d bytes", len(segment))
	}
	segment[16] = 0
	segment[17] = 0

	var pseudo [12]byte
	copy(pseudo[0:4], ipHeader[12:16])
	copy(pseudo[4:8], ipHeader[16:20])
	pseudo[8] = 0
	pseudo[9] = protoTCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(segment)))

	sum := sumWords(pseudo[:]) + sumWords(segment)
	cksum := foldChecksum(sum)
	binary.BigEndian.PutUint16(segment[16:18], cksum)
	return nil
}

// sumWords adds up 16-bit big-endian words of b, padding a trailing odd
// byte with a zero low byte, as one's-complement checksums require.
func sumWords(b []byte) uint32 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	return sum
}

// foldChecksum folds carries into the low 16 bits and returns the
// one's complement, the final step of an IPv4/TCP checksum.
func foldChecksum(sum uint32) uint16 {
	for sum > 0xFFFF {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// VerifyIPv4HeaderChecksum reports whether header's stored checksum is
// correct, used by tests (spec.md §8: "P's IPv4 header checksum satisfies
// one's-complement verification").
func VerifyIPv4HeaderChecksum(header []byte) bool {
	return foldChecksum(sumWords(header)) == 0
}

// InnerDestAddr reads the inner packet's destination address without
// modifying it, used by the server's egress routing step (spec.md §4.4:
// "the destination IP in the inner packet already encodes the target
// client... look up the peer whose vpn_address equals that destination").
func InnerDestAddr(packet []byte) (net.IP, error) {
	switch ipVersion(packet) {
	case 4:
		if len(packet) < ipv4MinHeaderLen {
			return nil, fmt.Errorf("nat: ipv4 packet shorter than minimum header: %d bytes", len(packet))
		}
		return net.IP(append(net.IP{}, packet[16:20]...)), nil
	case 6:
		if len(packet) < ipv6HeaderLen {
			return nil, fmt.Errorf("nat: ipv6 packet shorter than fixed header: %d bytes", len(packet))
		}
		return net.IP(append(net.IP{}, packet[24:40]...)), nil
	default:
		return nil, fmt.Errorf("nat: packet is neither IPv4 nor IPv6")
	}
}
