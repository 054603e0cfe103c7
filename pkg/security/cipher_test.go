package security

import (
	"bytes"
	"testing"
)

func TestNewCipher(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{
			name:    "valid 32-byte key",
			key:     make([]byte, 32),
			wantErr: false,
		},
		{
			name:    "invalid short key",
			key:     make([]byte, 16),
			wantErr: true,
		},
		{
			name:    "empty key",
			key:     []byte{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCipher(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewCipher() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && c == nil {
				t.Error("NewCipher() returned nil without error")
			}
		})
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}

	plaintext := []byte("slashing protection payload")
	sealed, err := c.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Error("ciphertext contains plaintext")
	}

	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	c, _ := NewCipher(bytes.Repeat([]byte{7}, 32))
	sealed, err := c.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := c.Open(sealed); err == nil {
		t.Error("Open() accepted tampered ciphertext")
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	c1, _ := NewCipher(bytes.Repeat([]byte{7}, 32))
	c2, _ := NewCipher(bytes.Repeat([]byte{8}, 32))

	sealed, err := c1.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := c2.Open(sealed); err == nil {
		t.Error("Open() accepted ciphertext under wrong key")
	}
}

func TestOpenRejectsTruncated(t *testing.T) {
	c, _ := NewCipher(bytes.Repeat([]byte{7}, 32))
	if _, err := c.Open([]byte{1, 2, 3}); err == nil {
		t.Error("Open() accepted truncated ciphertext")
	}
}
