package controlapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/shadowmesh/vpntun/pkg/statusapi"
)

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("find free udp port: %v", err)
	}
	addr := conn.LocalAddr().String()
	conn.Close()
	return addr
}

func TestServerServesCurrentSnapshot(t *testing.T) {
	addr := freeUDPAddr(t)
	srv, err := Listen(addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()

	want := []statusapi.PeerSnapshot{
		{ID: 9, State: "connected", RealAddr: "203.0.113.1:10980", VPNAddr: "10.9.7.9", RTT: 12 * time.Millisecond},
	}
	srv.SetSnapshot(want)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	tlsConf := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"vpntun-controlapi"}}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	if _, err := stream.Write([]byte(snapshotRequest)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	stream.Close()

	buf := make([]byte, 4096)
	n, err := stream.Read(buf)
	if err != nil && n == 0 {
		t.Fatalf("read response: %v", err)
	}

	var got []statusapi.PeerSnapshot
	if err := json.Unmarshal(buf[:n], &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}

	if len(got) != 1 || got[0].ID != want[0].ID || got[0].VPNAddr != want[0].VPNAddr {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestServerRejectsUnknownRequest(t *testing.T) {
	addr := freeUDPAddr(t)
	srv, err := Listen(addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	tlsConf := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"vpntun-controlapi"}}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	if _, err := stream.Write([]byte("GARBAGE\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}
	stream.Close()

	buf := make([]byte, 16)
	n, _ := stream.Read(buf)
	if n != 0 {
		t.Fatalf("expected no response body for an unrecognized request, got %d bytes", n)
	}
}

func TestEphemeralCertificateIsSelfSignedAndValid(t *testing.T) {
	cert, err := ephemeralCertificate()
	if err != nil {
		t.Fatalf("ephemeralCertificate: %v", err)
	}
	if len(cert.Certificate) != 1 {
		t.Fatalf("expected exactly one DER certificate, got %d", len(cert.Certificate))
	}
	if cert.PrivateKey == nil {
		t.Fatalf("expected a private key")
	}
}
