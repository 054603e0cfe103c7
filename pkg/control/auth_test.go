package control

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthResponseRoundTrip(t *testing.T) {
	key, err := hex.DecodeString(testKey)
	require.NoError(t, err)

	challenge, err := newChallenge()
	require.NoError(t, err)
	assert.Len(t, challenge, challengeSize*2)

	resp := authResponse(key, challenge)
	assert.True(t, checkAuthResponse(key, challenge, resp))
}

func TestAuthResponseRejectsWrongKey(t *testing.T) {
	key, err := hex.DecodeString(testKey)
	require.NoError(t, err)
	other, err := hex.DecodeString("ffffffffffffffffffffffffffffffff")
	require.NoError(t, err)

	challenge, err := newChallenge()
	require.NoError(t, err)

	assert.False(t, checkAuthResponse(key, challenge, authResponse(other, challenge)))
}

func TestAuthResponseRejectsReplayOnNewChallenge(t *testing.T) {
	key, err := hex.DecodeString(testKey)
	require.NoError(t, err)

	first, err := newChallenge()
	require.NoError(t, err)
	second, err := newChallenge()
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	assert.False(t, checkAuthResponse(key, second, authResponse(key, first)))
}

func TestGenUserKey(t *testing.T) {
	keyHex, err := GenUserKey()
	require.NoError(t, err)

	key, err := hex.DecodeString(keyHex)
	require.NoError(t, err)
	assert.Len(t, key, 16)

	again, err := GenUserKey()
	require.NoError(t, err)
	assert.NotEqual(t, keyHex, again)
}

func TestSessionRegistry(t *testing.T) {
	reg := newSessionRegistry()

	sess := reg.create("carol", "relay-a", true)
	require.NotEmpty(t, sess.Token)
	assert.True(t, sess.Privileged)
	assert.Equal(t, "relay-a", sess.Relay)

	found := reg.lookup(sess.Token)
	require.NotNil(t, found)
	assert.Equal(t, "carol", found.User)

	assert.Nil(t, reg.lookup("no-such-token"))

	reg.drop(sess.Token)
	assert.Nil(t, reg.lookup(sess.Token))
}

func TestSessionExpiry(t *testing.T) {
	reg := newSessionRegistry()
	sess := reg.create("carol", "relay-a", false)

	sess.ExpiresAt = time.Now().Add(-time.Second)
	assert.True(t, sess.Expired())
	assert.Nil(t, reg.lookup(sess.Token))
}
