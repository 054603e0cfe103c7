// Package keys derives the supervisor's cryptographic keys from an
// operator password. The root key is recovered with argon2id and
// committed to by a descriptor stored in the config file; subkeys such
// as the backup encryption key are derived with keyed BLAKE2b. Both the
// descriptor and the password are required to recover the root key, and
// no key material is ever written in plaintext to durable storage.
package keys

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"

	"github.com/stakewatch/warden/pkg/config"
	"github.com/stakewatch/warden/pkg/types"
)

const (
	// RootKeySize is the root key length in bytes.
	RootKeySize = 32

	// ChecksumSize is the descriptor checksum length.
	ChecksumSize = 32

	saltSize = 16

	// AlgoArgon2id is the production KDF setting.
	AlgoArgon2id = "argon2id"
	// AlgoArgon2idWeak uses minimal cost parameters. Test use only.
	AlgoArgon2idWeak = "argon2id_weak"
)

// Derivation tags. Distinct tags keep subkeys independent.
var (
	tagChecksum = []byte("warden key checksum")
	tagBackup   = []byte("warden backup key")
	tagAuth     = []byte("warden control auth")
)

var ErrIncorrectPassword = errors.New("incorrect password")

// RootKey is the secret from which all other keys are derived. It lives
// only in process memory.
type RootKey struct {
	data []byte
}

// Derive produces a deterministic subkey for the tag.
func (k *RootKey) Derive(tag []byte, size int) []byte {
	h, err := blake2b.New(size, k.data)
	if err != nil {
		// Only reachable with an invalid size constant.
		panic(fmt.Sprintf("blake2b subkey: %v", err))
	}
	h.Write(tag)
	return h.Sum(nil)
}

// BackupKey derives the 32-byte backup archive encryption key.
func (k *RootKey) BackupKey() []byte {
	return k.Derive(tagBackup, 32)
}

// AuthKey derives a per-user control auth key.
func (k *RootKey) AuthKey(user string) []byte {
	return k.Derive(append(tagAuth, []byte(":"+user)...), 16)
}

// Zero wipes the key material.
func (k *RootKey) Zero() {
	for i := range k.data {
		k.data[i] = 0
	}
}

func kdfParams(algo string) (time, memory uint32, threads uint8, err error) {
	switch algo {
	case AlgoArgon2id:
		return 4, 1024 * 1024, 4, nil // 1 GiB, interactive-hostile
	case AlgoArgon2idWeak:
		return 1, 8 * 1024, 1, nil
	default:
		return 0, 0, 0, types.Classifyf(types.KindFatalConfig,
			"unsupported key algo %q", algo)
	}
}

func checksum(keyData []byte) []byte {
	h, err := blake2b.New(ChecksumSize, keyData)
	if err != nil {
		panic(fmt.Sprintf("blake2b checksum: %v", err))
	}
	h.Write(tagChecksum)
	return h.Sum(nil)
}

// Open recovers the root key matching the descriptor from a password.
func Open(desc config.KeyDescriptor, password string) (*RootKey, error) {
	time, memory, threads, err := kdfParams(desc.Algo)
	if err != nil {
		return nil, err
	}
	salt, err := desc.SaltBytes()
	if err != nil {
		return nil, types.Classifyf(types.KindFatalConfig, "bad salt: %v", err)
	}
	want, err := desc.ChecksumBytes()
	if err != nil {
		return nil, types.Classifyf(types.KindFatalConfig, "bad checksum: %v", err)
	}
	if len(want) != ChecksumSize {
		return nil, types.Classifyf(types.KindFatalConfig,
			"checksum must be %d bytes, got %d", ChecksumSize, len(want))
	}

	data := argon2.IDKey([]byte(password), salt, time, memory, threads, RootKeySize)
	return Check(data, want)
}

// Check verifies raw key bytes against a descriptor checksum. Used when
// the key is cached in the runtime dir across supervisor restarts.
func Check(keyData, want []byte) (*RootKey, error) {
	if subtle.ConstantTimeCompare(checksum(keyData), want) != 1 {
		return nil, ErrIncorrectPassword
	}
	return &RootKey{data: keyData}, nil
}

// Generate creates a fresh random root key and its descriptor.
func Generate(password, algo string) (config.KeyDescriptor, *RootKey, error) {
	time, memory, threads, err := kdfParams(algo)
	if err != nil {
		return config.KeyDescriptor{}, nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return config.KeyDescriptor{}, nil, fmt.Errorf("generate salt: %w", err)
	}

	data := argon2.IDKey([]byte(password), salt, time, memory, threads, RootKeySize)
	desc := config.KeyDescriptor{
		Algo:     algo,
		Salt:     fmt.Sprintf("%x", salt),
		Checksum: fmt.Sprintf("%x", checksum(data)),
	}
	return desc, &RootKey{data: data}, nil
}
