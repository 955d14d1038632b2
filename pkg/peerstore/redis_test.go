package peerstore

import (
	"encoding/json"
	"net"
	"testing"
)

// Open requires a reachable Redis instance and is exercised by operators
// against a real deployment rather than in this suite; the pieces below
// cover everything that doesn't need a live connection.

func TestKeyFormat(t *testing.T) {
	if got, want := key(7), "vpntun:peer:7"; got != want {
		t.Fatalf("key(7) = %q, want %q", got, want)
	}
	if got, want := key(0), "vpntun:peer:0"; got != want {
		t.Fatalf("key(0) = %q, want %q", got, want)
	}
}

func TestRecordRoundTripsThroughJSON(t *testing.T) {
	want := Record{ID: 42, Secret: 0xdeadbeefcafef00d, VPNAddr: "10.9.7.42"}

	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Record
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != want {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestRecordFieldsFromVPNAddress(t *testing.T) {
	vpn := net.IPv4(10, 9, 7, 5)
	rec := Record{ID: 5, Secret: 99, VPNAddr: vpn.String()}
	if rec.VPNAddr != "10.9.7.5" {
		t.Fatalf("VPNAddr = %q, want %q", rec.VPNAddr, "10.9.7.5")
	}
}
