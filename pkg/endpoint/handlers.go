package endpoint

import (
	"net"
	"time"

	"github.com/shadowmesh/vpntun/pkg/logging"
	"github.com/shadowmesh/vpntun/pkg/peer"
	"github.com/shadowmesh/vpntun/pkg/wire"
)

// handlePing answers any Ping with a Pong echoing the original send time,
// so the sender can later compute rtt = now - send_time on receipt of the
// Pong (spec.md §4.9 supplement, original_source/peer.c's formula).
func (e *Endpoint) handlePing(r *peer.Remote, body []byte, now time.Time) {
	r.LastRecv = now
	ping, err := wire.DecodePing(body)
	if err != nil {
		e.log.Debug("dropping malformed ping", logging.Fields{"peer": r.ID})
		return
	}
	pong := wire.PingBody{SendTime: ping.SendTime, RecvTime: uint64(now.UnixMilli())}
	e.sendControl(r, wire.TypePong, wire.EncodePing(pong))
}

// handlePong updates rtt from the echoed send time.
func (e *Endpoint) handlePong(r *peer.Remote, body []byte, now time.Time) {
	r.LastRecv = now
	pong, err := wire.DecodePing(body)
	if err != nil {
		e.log.Debug("dropping malformed pong", logging.Fields{"peer": r.ID})
		return
	}
	sent := time.UnixMilli(int64(pong.SendTime))
	if now.After(sent) {
		r.RTT = now.Sub(sent)
	}
}

// handleClientHandshake processes a ClientHandshake. existing is the
// remote already found at this real_address, or nil when none exists
// yet. The handshake is idempotent (spec.md §4.2, §9): a retransmission
// before the server's first reply is answered identically without
// allocating a new id.
func (e *Endpoint) handleClientHandshake(existing *peer.Remote, body []byte, from *net.UDPAddr, now time.Time) {
	hs, err := wire.DecodeHandshake(body)
	if err != nil {
		e.log.Debug("dropping malformed handshake", logging.Fields{"addr": from})
		return
	}
	if hs.ProtocolID != wire.ProtocolID || hs.Version != wire.ProtocolVersion {
		e.log.Debug("rejecting handshake: protocol/version mismatch", logging.Fields{
			"addr": from, "protocol_id": hs.ProtocolID, "version": hs.Version,
		})
		return
	}

	if existing != nil {
		existing.LastRecv = now
		e.sendServerHandshake(existing, now)
		e.sendServerReconnect(existing, now)
		return
	}

	id, ok := e.allocateID()
	if !ok {
		e.log.Warn("rejecting handshake: no ids available", logging.Fields{"addr": from})
		return
	}
	secret, err := e.newSecret()
	if err != nil {
		e.log.Error("failed to generate reconnect secret", logging.Fields{"error": err.Error()})
		return
	}

	r := &peer.Remote{
		ID:       id,
		State:    peer.Connected,
		Secret:   secret,
		Real:     from,
		VPN:      vpnAddressForID(e.tunnelBlock, id),
		LastRecv: now,
		LastSend: now,
	}
	e.peers.PushBack(r)
	e.log.Info("peer connected", logging.Fields{"peer": r.ID, "addr": from, "vpn_addr": r.VPN.String()})

	e.sendServerHandshake(r, now)
	e.sendServerReconnect(r, now)
	if e.hooks.OnConnect != nil {
		e.hooks.OnConnect(r)
	}
}

// handleServerHandshake processes the client-side ServerHandshake
// acceptance (spec.md §4.2).
func (e *Endpoint) handleServerHandshake(r *peer.Remote, body []byte, now time.Time) {
	hs, err := wire.DecodeHandshake(body)
	if err != nil {
		e.log.Debug("dropping malformed server handshake", logging.Fields{"peer": r.ID})
		return
	}
	r.LastRecv = now
	if hs.ProtocolID != wire.ProtocolID || hs.Version != wire.ProtocolVersion {
		e.log.Debug("dropping server handshake: protocol/version mismatch", logging.Fields{"peer": r.ID})
		return
	}
	if r.State != peer.Connected {
		r.State = peer.Connected
		e.log.Info("connected to server", logging.Fields{"addr": r.Real})
	}
}

// handleClientReconnectKnown processes a ClientReconnect from a remote
// already matched by real_address (the common path: the address did not
// change, only a retransmission or a periodic refresh arrived).
func (e *Endpoint) handleClientReconnectKnown(r *peer.Remote, body []byte, now time.Time) {
	if _, err := wire.DecodeReconnect(body); err != nil {
		e.log.Debug("dropping malformed reconnect", logging.Fields{"peer": r.ID})
		return
	}
	e.rotateAndReply(r, now)
}

// handleClientReconnectUnknown processes a ClientReconnect whose
// real_address matches no existing remote — the NAT-rebind path
// (spec.md §8 scenario 4): the client's outer address changed, so it is
// recognized by (id, secret) instead.
func (e *Endpoint) handleClientReconnectUnknown(body []byte, from *net.UDPAddr, now time.Time) {
	rc, err := wire.DecodeReconnect(body)
	if err != nil {
		e.log.Debug("dropping malformed reconnect", logging.Fields{"addr": from})
		return
	}
	r := e.peers.FindByID(rc.ID)
	if r == nil || r.Secret != rc.Secret || r.State != peer.Connected {
		e.log.Debug("rejecting reconnect: id/secret mismatch", logging.Fields{"addr": from, "id": rc.ID})
		return
	}
	e.log.Info("peer rebound", logging.Fields{"peer": r.ID, "old_addr": r.Real, "new_addr": from})
	r.Real = from
	e.rotateAndReply(r, now)
}

// rotateAndReply updates last_recv, rotates r's secret, and echoes a
// ServerReconnect, shared by both ClientReconnect paths.
func (e *Endpoint) rotateAndReply(r *peer.Remote, now time.Time) {
	r.LastRecv = now
	secret, err := e.newSecret()
	if err != nil {
		e.log.Error("failed to rotate reconnect secret", logging.Fields{"peer": r.ID, "error": err.Error()})
		return
	}
	r.Secret = secret
	e.sendServerReconnect(r, now)
	if e.hooks.OnReconnect != nil {
		e.hooks.OnReconnect(r)
	}
}

// handleServerReconnect processes the client-side ServerReconnect,
// learning id on first receipt and refreshing the secret on every one.
func (e *Endpoint) handleServerReconnect(r *peer.Remote, body []byte, now time.Time) {
	rc, err := wire.DecodeReconnect(body)
	if err != nil {
		e.log.Debug("dropping malformed reconnect", logging.Fields{"peer": r.ID})
		return
	}
	r.LastRecv = now
	if r.ID == peer.Unassigned {
		r.ID = rc.ID
		e.log.Info("learned peer id", logging.Fields{"peer": r.ID})
	}
	r.Secret = rc.Secret
}

// disconnectPeer marks r disconnected and, on the server, removes it from
// the table immediately; on the client it is re-armed to Handshaking
// (spec.md §4.2's table rows for the disconnected state). The peer is
// marked first and Disconnect sent best-effort after, per spec.md §9's
// binding decision. notify controls whether a Disconnect is sent at all:
// false when r already told us it is disconnecting (avoids an echo loop).
func (e *Endpoint) disconnectPeer(r *peer.Remote, reason uint8, now time.Time, notify bool) {
	wasConnected := r.State != peer.Disconnected
	r.State = peer.Disconnected

	if notify {
		e.sendControl(r, wire.TypeDisconnect, wire.EncodeDisconnect(wire.DisconnectBody{Reason: reason}))
	}

	if e.mode == ModeServer {
		e.peers.Remove(r)
	} else {
		r.ID = peer.Unassigned
		r.Secret = 0
		r.State = peer.Handshaking
		r.LastSend = time.Time{}
	}

	if wasConnected && e.hooks.OnDisconnect != nil {
		e.hooks.OnDisconnect(r)
	}
}

// sendClientHandshake (re)sends a ClientHandshake and bumps last_send so
// the retry timer restarts (spec.md §4.2 handshaking retry).
func (e *Endpoint) sendClientHandshake(r *peer.Remote, now time.Time) {
	r.LastSend = now
	body := wire.EncodeHandshake(wire.HandshakeBody{
		ProtocolID:      wire.ProtocolID,
		Version:         wire.ProtocolVersion,
		PreferredCipher: 0,
		CipherCount:     0,
	})
	e.sendControl(r, wire.TypeClientHandshake, body)
}

// sendClientReconnect sends a ClientReconnect carrying the id/secret this
// endpoint currently holds (possibly still Unassigned/0).
func (e *Endpoint) sendClientReconnect(r *peer.Remote, now time.Time) {
	r.LastSend = now
	body := wire.EncodeReconnect(wire.ReconnectBody{ID: r.ID, Secret: r.Secret})
	e.sendControl(r, wire.TypeClientReconnect, body)
}

func (e *Endpoint) sendServerHandshake(r *peer.Remote, now time.Time) {
	r.LastSend = now
	body := wire.EncodeHandshake(wire.HandshakeBody{
		ProtocolID:      wire.ProtocolID,
		Version:         wire.ProtocolVersion,
		PreferredCipher: 0,
		CipherCount:     0,
	})
	e.sendControl(r, wire.TypeServerHandshake, body)
}

func (e *Endpoint) sendServerReconnect(r *peer.Remote, now time.Time) {
	r.LastSend = now
	body := wire.EncodeReconnect(wire.ReconnectBody{ID: r.ID, Secret: r.Secret})
	e.sendControl(r, wire.TypeServerReconnect, body)
}

func (e *Endpoint) sendPing(r *peer.Remote, now time.Time) {
	r.LastSend = now
	r.LastPing = now
	body := wire.EncodePing(wire.PingBody{SendTime: uint64(now.UnixMilli())})
	e.sendControl(r, wire.TypePing, body)
}

// sendControl wraps and sends a control-plane message (everything but
// Data) using the shared send buffer. Failures are logged and swallowed
// rather than escalated: the client's handshake, reconnect and keepalive
// timers resend on a later timer pass (and the server answers each
// resend), while a dropped Disconnect is not resent.
func (e *Endpoint) sendControl(r *peer.Remote, t wire.MessageType, body []byte) {
	n, err := e.codec.Wrap(e.sendBuf, t, body)
	if err != nil {
		e.log.Error("failed to encode outgoing message", logging.Fields{"peer": r.ID, "type": t.String(), "error": err.Error()})
		return
	}
	if _, err := e.socket.Send(e.sendBuf[:n], r.Real); err != nil {
		e.log.Debug("failed to send message", logging.Fields{"peer": r.ID, "type": t.String(), "error": err.Error()})
	}
	zero(e.sendBuf[:n])
}
