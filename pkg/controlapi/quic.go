// Package controlapi implements the optional out-of-band control-plane
// listener (SPEC_FULL.md §4.8): a QUIC server that serves the same peer
// snapshot as pkg/statusapi, for clients that prefer one reliable
// multiplexed connection over polling a websocket (e.g. a fleet-
// management sidecar watching many tunnel servers). It never touches
// tunneled Data messages. Grounded on pkg/transport/quic.go for the
// listener/stream-accept shape, and on relay/server/tls_certificate.go
// for the ephemeral self-signed certificate QUIC's TLS handshake needs,
// narrowed to the minimum this single-purpose listener requires (no
// pinning, no PQC-signed certificate binding — this is an observability
// endpoint, not a peer-authenticated data channel).
package controlapi

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/shadowmesh/vpntun/pkg/statusapi"
)

// snapshotRequest is the single line a client sends to request the
// current snapshot; any other request is rejected.
const snapshotRequest = "SNAPSHOT\n"

// Server is a QUIC listener that answers snapshot requests with a JSON
// peer snapshot supplied by the caller via SetSnapshot.
type Server struct {
	listener *quic.Listener

	mu       sync.RWMutex
	snapshot []statusapi.PeerSnapshot

	cancel context.CancelFunc
}

// Listen opens a QUIC listener on addr using a freshly generated
// ephemeral self-signed certificate.
func Listen(addr string) (*Server, error) {
	cert, err := ephemeralCertificate()
	if err != nil {
		return nil, fmt.Errorf("controlapi: generate certificate: %w", err)
	}

	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"vpntun-controlapi"},
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	listener, err := quic.ListenAddr(addr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("controlapi: listen %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{listener: listener, cancel: cancel}
	go s.acceptLoop(ctx)
	return s, nil
}

// SetSnapshot replaces the snapshot served to subsequently connecting (or
// already-connected) clients. cmd/vpntun pushes a fresh snapshot once a
// second, the same cadence it uses for pkg/statusapi.Broadcast.
func (s *Server) SetSnapshot(snapshot []statusapi.PeerSnapshot) {
	s.mu.Lock()
	s.snapshot = snapshot
	s.mu.Unlock()
}

func (s *Server) currentSnapshot() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := json.Marshal(s.snapshot)
	if err != nil {
		return []byte("[]")
	}
	return data
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			return
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go s.serveStream(stream)
	}
}

func (s *Server) serveStream(stream *quic.Stream) {
	defer stream.Close()

	req := make([]byte, len(snapshotRequest))
	if _, err := stream.Read(req); err != nil {
		return
	}
	if string(req) != snapshotRequest {
		return
	}
	stream.Write(s.currentSnapshot())
}

// Close shuts down the QUIC listener.
func (s *Server) Close() error {
	s.cancel()
	if err := s.listener.Close(); err != nil {
		return fmt.Errorf("controlapi: close: %w", err)
	}
	return nil
}

// ephemeralCertificate generates a short-lived self-signed ECDSA
// certificate, the minimum QUIC needs to complete its TLS handshake for
// this observability-only endpoint.
func ephemeralCertificate() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "vpntun-controlapi"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
