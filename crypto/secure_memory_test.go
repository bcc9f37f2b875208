package crypto

import (
	"bytes"
	"testing"
)

func TestSecureWipe(t *testing.T) {
	data := bytes.Repeat([]byte{0xaa}, 32)
	if err := SecureWipe(data); err != nil {
		t.Fatalf("SecureWipe failed: %v", err)
	}
	if !bytes.Equal(data, make([]byte, 32)) {
		t.Fatalf("data was not wiped: %x", data)
	}

	if err := SecureWipe(nil); err == nil {
		t.Fatal("SecureWipe(nil) should fail")
	}
}

func TestZeroBytes(t *testing.T) {
	key := []byte{1, 2, 3}
	ZeroBytes(key)
	if !bytes.Equal(key, []byte{0, 0, 0}) {
		t.Fatalf("key was not wiped: %x", key)
	}

	// Must not panic.
	ZeroBytes(nil)
}
