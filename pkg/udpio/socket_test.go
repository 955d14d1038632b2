package udpio

import (
	"net"
	"testing"
	"time"
)

func TestBindConnectRoundTrip(t *testing.T) {
	server, err := Open(false)
	if err != nil {
		t.Fatalf("Open(server) error = %v", err)
	}
	defer server.Close()
	if err := server.Bind(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	serverAddr := server.conn.LocalAddr().(*net.UDPAddr)

	client, err := Open(false)
	if err != nil {
		t.Fatalf("Open(client) error = %v", err)
	}
	defer client.Close()
	if err := client.Connect(serverAddr); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	payload := []byte("handshake")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := client.Send(payload, nil); err == nil {
			break
		} else if err != ErrPending {
			t.Fatalf("Send() error = %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("Send() never succeeded")
		}
	}

	buf := make([]byte, 64)
	var n int
	var from *net.UDPAddr
	for {
		n, from, err = server.Receive(buf)
		if err == nil {
			break
		}
		if err != ErrPending {
			t.Fatalf("Receive() error = %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("Receive() never produced a datagram")
		}
	}
	if string(buf[:n]) != string(payload) {
		t.Errorf("payload = %q, want %q", buf[:n], payload)
	}
	if from.IP.String() != "127.0.0.1" {
		t.Errorf("from = %v, want 127.0.0.1", from)
	}
}

func TestReceivePendingWhenIdle(t *testing.T) {
	sock, err := Open(false)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer sock.Close()
	if err := sock.Bind(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	buf := make([]byte, 64)
	if _, _, err := sock.Receive(buf); err != ErrPending {
		t.Errorf("Receive() error = %v, want ErrPending", err)
	}
}
