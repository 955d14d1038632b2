// Package statusapi implements the optional server-side status endpoint
// (SPEC_FULL.md §4.8): a websocket that pushes a JSON snapshot of the
// remote-peer table to connected admin clients. It is observability only
// and never sits on the tunnel's data path — callers push a snapshot by
// calling Broadcast from outside pkg/endpoint (cmd/vpntun does so once a
// second, wiring endpoint.Each into a PeerSnapshot slice), keeping
// pkg/endpoint free of any import on this package.
// Grounded on shared/networking/transport.go's use of gorilla/websocket,
// adapted from that file's client-dialer shape to a server-side upgrader
// and broadcast loop, and on pkg/api/server.go for the http.Server/mux
// lifecycle conventions.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// PeerSnapshot is one remote's state as reported to status clients.
type PeerSnapshot struct {
	ID       uint8         `json:"id"`
	State    string        `json:"state"`
	RealAddr string        `json:"real_addr"`
	VPNAddr  string        `json:"vpn_addr"`
	RTT      time.Duration `json:"rtt_ms"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server accepts websocket connections on /status and pushes whatever
// snapshot Broadcast was last given to every connected client.
type Server struct {
	httpServer *http.Server

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewServer builds a Server listening on addr; call ListenAndServe to
// start accepting connections.
func NewServer(addr string) *Server {
	s := &Server{conns: make(map[*websocket.Conn]struct{})}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleWS)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	// Admin clients are read-only consumers; drain and discard any
	// frames they send so ping/pong control frames keep working, and
	// deregister once the connection drops.
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast pushes snapshot as a JSON array to every connected admin
// client, dropping (and deregistering) any connection that errors.
func (s *Server) Broadcast(snapshot []PeerSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("statusapi: marshal snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(s.conns, conn)
		}
	}
	return nil
}

// ListenAndServe blocks serving the status endpoint until the server is
// closed or a listener error occurs.
func (s *Server) ListenAndServe() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("statusapi: serve: %w", err)
	}
	return nil
}

// Addr returns the configured listen address as given to NewServer; when
// that address uses port 0 it does not report the port actually bound.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Close shuts down the HTTP server and closes all connected clients.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("statusapi: shutdown: %w", err)
	}
	return nil
}
