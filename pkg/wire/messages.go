package wire

import (
	"encoding/binary"
	"fmt"
)

// EncodePing encodes a Ping/Pong body.
func EncodePing(b PingBody) []byte {
	buf := make([]byte, pingBodySize)
	binary.BigEndian.PutUint64(buf[0:8], b.SendTime)
	binary.BigEndian.PutUint64(buf[8:16], b.RecvTime)
	return buf
}

// DecodePing decodes a Ping/Pong body.
func DecodePing(body []byte) (PingBody, error) {
	if len(body) < pingBodySize {
		return PingBody{}, fmt.Errorf("wire: ping body too short: %d bytes", len(body))
	}
	return PingBody{
		SendTime: binary.BigEndian.Uint64(body[0:8]),
		RecvTime: binary.BigEndian.Uint64(body[8:16]),
	}, nil
}

// EncodeHandshake encodes a ClientHandshake/ServerHandshake body.
func EncodeHandshake(b HandshakeBody) []byte {
	buf := make([]byte, handshakeBodySize)
	binary.BigEndian.PutUint32(buf[0:4], b.ProtocolID)
	buf[4] = b.Version
	buf[5] = b.PreferredCipher
	buf[6] = b.CipherCount
	// buf[7] is padding, left zero
	for i := 0; i < MaxCipherSlots; i++ {
		off := 8 + i*4
		binary.BigEndian.PutUint32(buf[off:off+4], b.Ciphers[i])
	}
	return buf
}

// DecodeHandshake decodes a ClientHandshake/ServerHandshake body.
func DecodeHandshake(body []byte) (HandshakeBody, error) {
	if len(body) < handshakeBodySize {
		return HandshakeBody{}, fmt.Errorf("wire: handshake body too short: %d bytes", len(body))
	}
	var b HandshakeBody
	b.ProtocolID = binary.BigEndian.Uint32(body[0:4])
	b.Version = body[4]
	b.PreferredCipher = body[5]
	b.CipherCount = body[6]
	for i := 0; i < MaxCipherSlots; i++ {
		off := 8 + i*4
		b.Ciphers[i] = binary.BigEndian.Uint32(body[off : off+4])
	}
	return b, nil
}

// EncodeReconnect encodes a ClientReconnect/ServerReconnect body.
func EncodeReconnect(b ReconnectBody) []byte {
	buf := make([]byte, reconnectBodySize)
	buf[0] = b.ID
	binary.BigEndian.PutUint64(buf[8:16], b.Secret)
	return buf
}

// DecodeReconnect decodes a ClientReconnect/ServerReconnect body.
func DecodeReconnect(body []byte) (ReconnectBody, error) {
	if len(body) < reconnectBodySize {
		return ReconnectBody{}, fmt.Errorf("wire: reconnect body too short: %d bytes", len(body))
	}
	return ReconnectBody{
		ID:     body[0],
		Secret: binary.BigEndian.Uint64(body[8:16]),
	}, nil
}

// EncodeDisconnect encodes a Disconnect body.
func EncodeDisconnect(b DisconnectBody) []byte {
	return []byte{b.Reason}
}

// DecodeDisconnect decodes a Disconnect body.
func DecodeDisconnect(body []byte) (DisconnectBody, error) {
	if len(body) < disconnectBodySize {
		return DisconnectBody{}, fmt.Errorf("wire: disconnect body too short: %d bytes", len(body))
	}
	return DisconnectBody{Reason: body[0]}, nil
}
