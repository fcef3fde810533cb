package seal

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := ParseKey(hex.EncodeToString(bytes.Repeat([]byte{0x42}, KeySize)))
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	return key
}

func TestSealRoundTrip(t *testing.T) {
	sealer, err := New(testKey(t))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	plain := []byte("update payload bytes")
	sealed, err := sealer.Seal(plain)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, plain) {
		t.Fatalf("sealed payload leaks plaintext")
	}

	opened, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Fatalf("expected %q, got %q", plain, opened)
	}
}

func TestSealUniqueNonces(t *testing.T) {
	sealer, err := New(testKey(t))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	first, err := sealer.Seal([]byte("x"))
	if err != nil {
		t.Fatalf("seal first: %v", err)
	}
	second, err := sealer.Seal([]byte("x"))
	if err != nil {
		t.Fatalf("seal second: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Fatalf("expected distinct ciphertexts for repeated plaintext")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	sealer, err := New(testKey(t))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	sealed, err := sealer.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01

	if _, err := sealer.Open(sealed); err == nil {
		t.Fatalf("expected tampered payload to fail")
	}
}

func TestParseKeyRejectsBadLength(t *testing.T) {
	if _, err := ParseKey("deadbeef"); err == nil {
		t.Fatalf("expected short key rejection")
	}
}
