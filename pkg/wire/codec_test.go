package wire

import (
	"bytes"
	"testing"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		typ  MessageType
		body []byte
	}{
		{"ping", TypePing, EncodePing(PingBody{SendTime: 42})},
		{"handshake", TypeClientHandshake, EncodeHandshake(HandshakeBody{ProtocolID: ProtocolID, Version: ProtocolVersion})},
		{"reconnect", TypeClientReconnect, EncodeReconnect(ReconnectBody{ID: 7, Secret: 0xdeadbeef})},
		{"disconnect", TypeDisconnect, EncodeDisconnect(DisconnectBody{Reason: ReasonTimeout})},
		{"data", TypeData, []byte{1, 2, 3, 4, 5}},
	}

	codec := NewCodec(nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, HeaderSize+len(tt.body))
			n, err := codec.Wrap(buf, tt.typ, tt.body)
			if err != nil {
				t.Fatalf("Wrap() error = %v", err)
			}

			gotType, gotBody, err := codec.Unwrap(buf[:n], n)
			if err != nil {
				t.Fatalf("Unwrap() error = %v", err)
			}
			if gotType != tt.typ {
				t.Errorf("type = %v, want %v", gotType, tt.typ)
			}
			if !bytes.Equal(gotBody, tt.body) {
				t.Errorf("body = %v, want %v", gotBody, tt.body)
			}
		})
	}
}

func TestUnwrapRejectsShortDatagram(t *testing.T) {
	codec := NewCodec(nil, nil)
	if _, _, err := codec.Unwrap([]byte{1, 2, 3}, 3); err == nil {
		t.Fatal("expected error for datagram shorter than header")
	}
}

func TestUnwrapRejectsBadChecksum(t *testing.T) {
	codec := NewCodec(nil, nil)
	buf := make([]byte, HeaderSize+pingBodySize)
	n, err := codec.Wrap(buf, TypePing, EncodePing(PingBody{}))
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}
	buf[n-1] ^= 0xFF
	if _, _, err := codec.Unwrap(buf[:n], n); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestUnwrapRejectsUnknownType(t *testing.T) {
	codec := NewCodec(nil, nil)
	buf := make([]byte, HeaderSize)
	n, err := codec.Wrap(buf, TypeData, nil)
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}
	// Force an out-of-range type tag and recompute the checksum to match,
	// so the datagram passes the checksum check and is rejected by the
	// type check alone.
	buf[7] = 0xFF
	sum := checksum(buf[4:n])
	buf[0] = byte(sum >> 24)
	buf[1] = byte(sum >> 16)
	buf[2] = byte(sum >> 8)
	buf[3] = byte(sum)
	if _, _, err := codec.Unwrap(buf[:n], n); err == nil {
		t.Fatal("expected out-of-range type error")
	}
}

func TestMessageTypeValid(t *testing.T) {
	if TypeInvalid.Valid() {
		t.Error("TypeInvalid must not be valid")
	}
	if !TypeData.Valid() {
		t.Error("TypeData must be valid")
	}
	if MessageType(999).Valid() {
		t.Error("out-of-range type must not be valid")
	}
}
