package endpoint

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/shadowmesh/vpntun/pkg/logging"
	"github.com/shadowmesh/vpntun/pkg/nat"
	"github.com/shadowmesh/vpntun/pkg/peer"
	"github.com/shadowmesh/vpntun/pkg/tun"
	"github.com/shadowmesh/vpntun/pkg/udpio"
	"github.com/shadowmesh/vpntun/pkg/wire"
)

// Tick runs one cooperative pass: timer maintenance, then bounded
// ingress, then bounded egress (spec.md §4.5, §5). It returns an error
// only for an endpoint-fatal driver failure (spec.md §7 category 4); all
// other conditions are logged and swallowed internally.
func (e *Endpoint) Tick() error {
	now := e.now()
	e.timerPass(now)
	if err := e.ingress(now); err != nil {
		return err
	}
	return e.egress(now)
}

// timerPass walks every remote and applies §4.2's timer-driven
// transitions: handshake retry, keepalive, connection timeout, and the
// server/client-specific disconnected-state handling. Transitions to
// Disconnected are resolved immediately (removed on the server, re-armed
// on the client) rather than deferred to a later pass, so the table never
// carries a stale disconnected entry into the ingress phase that follows
// (spec.md §3's "removed before the next ingress cycle completes").
func (e *Endpoint) timerPass(now time.Time) {
	e.peers.Each(func(r *peer.Remote) bool {
		switch r.State {
		case peer.Handshaking:
			if e.mode == ModeClient && now.Sub(r.LastSend) >= e.retry {
				e.sendClientHandshake(r, now)
			}

		case peer.Connected:
			if now.Sub(r.LastRecv) > e.connTTL {
				e.log.Warn("connection timed out", logging.Fields{"peer": r.ID, "addr": r.Real})
				e.disconnectPeer(r, wire.ReasonTimeout, now, true)
				return true
			}
			if e.mode == ModeClient && r.ID == peer.Unassigned && now.Sub(r.LastSend) >= e.retry {
				// Lost ServerReconnect: the client is connected but never
				// learned its id. Retry ClientReconnect rather than
				// ClientHandshake, since the server already has a record
				// for this real_address (spec.md §9 open question).
				e.sendClientReconnect(r, now)
			}
			if e.mode == ModeClient && now.Sub(r.LastRecv) > e.keepalive && now.Sub(r.LastPing) > e.keepalive {
				e.sendPing(r, now)
			}

		case peer.Disconnected:
			// Only reached if something external left a peer disconnected
			// between ticks; resolve it the same way disconnectPeer does.
			if e.mode == ModeServer {
				e.peers.Remove(r)
			} else {
				r.ID = peer.Unassigned
				r.Secret = 0
				r.State = peer.Handshaking
				r.LastSend = time.Time{}
			}
		}
		return true
	})
}

// ingress drains up to maxIngress datagrams from the socket. It returns
// an error only when the socket itself has failed (spec.md §7 category
// 4); per-datagram problems are logged and dropped inside
// handleDatagram, and a TUN write failure while applying a Data message
// is surfaced the same way since a broken TUN interface is just as fatal
// to the pump as a broken socket.
func (e *Endpoint) ingress(now time.Time) error {
	for i := 0; i < e.maxIngress; i++ {
		n, from, err := e.socket.Receive(e.recvBuf)
		if err != nil {
			if errors.Is(err, udpio.ErrPending) {
				return nil
			}
			return fmt.Errorf("endpoint: receive: %w", err)
		}

		fatal := e.handleDatagram(e.recvBuf, n, from, now)
		zero(e.recvBuf[:n])
		if fatal != nil {
			return fatal
		}
	}
	return nil
}

// handleDatagram runs the receive pipeline (decrypt/decompress/verify)
// and dispatches by message type. It returns a non-nil error only for an
// endpoint-fatal condition; every other failure is a per-datagram drop
// (spec.md §7 category 2), logged internally.
func (e *Endpoint) handleDatagram(buf []byte, n int, from *net.UDPAddr, now time.Time) error {
	t, body, err := e.codec.Unwrap(buf, n)
	if err != nil {
		e.log.Debug("dropping datagram", logging.Fields{"addr": from, "error": err.Error()})
		return nil
	}

	if r := e.peers.ByRealAddr(from); r != nil {
		return e.dispatch(r, t, body, from, now)
	}

	// No peer at this address: only handshake/reconnect are accepted
	// without an existing record (spec.md §4.5).
	switch t {
	case wire.TypeClientHandshake:
		if e.mode != ModeServer {
			return nil
		}
		e.handleClientHandshake(nil, body, from, now)
	case wire.TypeClientReconnect:
		if e.mode != ModeServer {
			return nil
		}
		e.handleClientReconnectUnknown(body, from, now)
	default:
		e.log.Debug("dropping message from unknown peer", logging.Fields{"addr": from, "type": t.String()})
	}
	return nil
}

// dispatch handles a message from an already-known remote.
func (e *Endpoint) dispatch(r *peer.Remote, t wire.MessageType, body []byte, from *net.UDPAddr, now time.Time) error {
	switch t {
	case wire.TypePing:
		e.handlePing(r, body, now)
	case wire.TypePong:
		e.handlePong(r, body, now)
	case wire.TypeClientHandshake:
		if e.mode == ModeServer {
			e.handleClientHandshake(r, body, from, now)
		}
	case wire.TypeServerHandshake:
		if e.mode == ModeClient {
			e.handleServerHandshake(r, body, now)
		}
	case wire.TypeClientReconnect:
		if e.mode == ModeServer {
			e.handleClientReconnectKnown(r, body, now)
		}
	case wire.TypeServerReconnect:
		if e.mode == ModeClient {
			e.handleServerReconnect(r, body, now)
		}
	case wire.TypeDisconnect:
		e.log.Info("peer disconnected", logging.Fields{"peer": r.ID, "addr": from})
		e.disconnectPeer(r, wire.ReasonNormal, now, false)
	case wire.TypeData:
		r.LastRecv = now
		return e.handleData(r, body)
	default:
		e.log.Debug("dropping unexpected message type", logging.Fields{"peer": r.ID, "type": t.String()})
	}
	return nil
}

// handleData applies server/client-side NAT rewriting (spec.md §4.4) and
// writes the inner packet to the local TUN device. A TUN write failure
// other than ErrPending is endpoint-fatal: the local interface is no
// longer usable and the pump cannot make progress.
func (e *Endpoint) handleData(r *peer.Remote, packet []byte) error {
	if r.State != peer.Connected {
		e.log.Debug("dropping data from non-connected peer", logging.Fields{"peer": r.ID})
		return nil
	}

	var err error
	if e.mode == ModeServer {
		err = nat.RewriteSource(packet, r.VPN)
	} else {
		err = nat.RewriteDest(packet, r.LocalTun)
	}
	if err != nil {
		e.log.Debug("dropping malformed inner packet", logging.Fields{"peer": r.ID, "error": err.Error()})
		return nil
	}

	if _, werr := e.device.Write(packet); werr != nil {
		if errors.Is(werr, tun.ErrPending) {
			e.log.Debug("tun write pending, dropping packet", logging.Fields{"peer": r.ID})
			return nil
		}
		return fmt.Errorf("endpoint: tun write: %w", werr)
	}
	return nil
}

// egress drains up to maxEgress packets from the TUN device.
func (e *Endpoint) egress(now time.Time) error {
	for i := 0; i < e.maxEgress; i++ {
		n, err := e.device.Read(e.sendBuf[wire.HeaderSize:])
		if err != nil {
			if errors.Is(err, tun.ErrPending) {
				return nil
			}
			return fmt.Errorf("endpoint: tun read: %w", err)
		}

		packet := e.sendBuf[wire.HeaderSize : wire.HeaderSize+n]
		dest := e.routeDest(packet)
		if dest == nil {
			zero(packet)
			continue
		}

		wn, werr := e.codec.Wrap(e.sendBuf, wire.TypeData, packet)
		if werr != nil {
			e.log.Debug("dropping outbound packet", logging.Fields{"error": werr.Error()})
			zero(e.sendBuf[:wn])
			continue
		}

		if _, serr := e.socket.Send(e.sendBuf[:wn], dest.Real); serr != nil {
			// Best-effort: even a non-pending send error only drops this
			// one packet, matching the spec's treatment of the data path
			// as never fatal on the write side (only the read side, where
			// a broken driver stalls the whole pump, is fatal).
			e.log.Debug("send failed, dropping packet", logging.Fields{"peer": dest.ID, "error": serr.Error()})
		} else {
			dest.LastSend = now
		}
		zero(e.sendBuf[:wn])
	}
	return nil
}

// routeDest picks the destination remote for an outbound inner packet:
// on the server, by inner destination address; on the client, the single
// server peer (spec.md §4.5 egress). Returns nil if there is no connected
// destination, which the caller treats as a silent drop.
func (e *Endpoint) routeDest(packet []byte) *peer.Remote {
	if e.mode == ModeClient {
		if e.client == nil || e.client.State != peer.Connected {
			return nil
		}
		return e.client
	}

	ip, err := nat.InnerDestAddr(packet)
	if err != nil {
		e.log.Debug("dropping outbound packet", logging.Fields{"error": err.Error()})
		return nil
	}
	r := e.peers.ByVPNAddr(ip)
	if r == nil || r.State != peer.Connected {
		return nil
	}
	return r
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
