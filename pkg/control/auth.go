package control

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// challengeSize is the random challenge length in bytes.
const challengeSize = 16

// newChallenge returns a fresh hex-encoded random challenge.
func newChallenge() (string, error) {
	buf := make([]byte, challengeSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating auth challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// authResponse computes the expected MAC for a challenge: keyed
// blake2b-256 over the challenge string. Both sides of the protocol
// use this.
func authResponse(key []byte, challenge string) string {
	mac, err := blake2b.New256(key)
	if err != nil {
		// Only reachable with an oversized key; user keys are 16
		// bytes.
		panic(err)
	}
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// checkAuthResponse verifies a response in constant time.
func checkAuthResponse(key []byte, challenge, response string) bool {
	want := authResponse(key, challenge)
	return hmac.Equal([]byte(want), []byte(response))
}

// GenUserKey creates a random 16-byte user auth key, hex encoded, for
// the setup flow.
func GenUserKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating user key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
