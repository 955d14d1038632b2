package compress

import "testing"

func TestLZ4RoundTripCompressible(t *testing.T) {
	payload := make([]byte, 2048)
	for i := range payload {
		payload[i] = byte(i % 4) // highly repetitive, compresses well
	}

	l := NewLZ4(len(payload))
	buf := make([]byte, len(payload), len(payload)*2)
	copy(buf, payload)

	n, err := l.Compress(buf[:cap(buf)][:len(payload)], len(payload))
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	compressed := buf[:cap(buf)][:n]

	n, err = l.Decompress(compressed, n)
	if err != nil {
		t.Fatalf("Decompress() error = %v", err)
	}
	if n != len(payload) {
		t.Fatalf("decompressed length = %d, want %d", n, len(payload))
	}
	for i := 0; i < n; i++ {
		if compressed[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, compressed[i], payload[i])
		}
	}
}

func TestLZ4RoundTripIncompressible(t *testing.T) {
	// Random-ish data that LZ4 may decline to shrink, exercising the
	// uncompressed-fallback path.
	payload := []byte{0x01, 0x9f, 0x3c, 0xe2, 0x77, 0x04, 0xaa, 0x5b}

	l := NewLZ4(len(payload))
	buf := make([]byte, len(payload), len(payload)+lengthPrefixSize)
	copy(buf, payload)

	n, err := l.Compress(buf[:cap(buf)][:len(payload)], len(payload))
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	framed := buf[:cap(buf)][:n]

	n, err = l.Decompress(framed, n)
	if err != nil {
		t.Fatalf("Decompress() error = %v", err)
	}
	if n != len(payload) {
		t.Fatalf("decompressed length = %d, want %d", n, len(payload))
	}
	for i := 0; i < n; i++ {
		if framed[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, framed[i], payload[i])
		}
	}
}
