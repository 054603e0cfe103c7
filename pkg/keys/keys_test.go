package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndOpen(t *testing.T) {
	desc, key, err := Generate("hunter2", AlgoArgon2idWeak)
	require.NoError(t, err)
	require.NotNil(t, key)

	reopened, err := Open(desc, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, key.BackupKey(), reopened.BackupKey())
}

func TestOpenWrongPassword(t *testing.T) {
	desc, _, err := Generate("hunter2", AlgoArgon2idWeak)
	require.NoError(t, err)

	_, err = Open(desc, "hunter3")
	assert.ErrorIs(t, err, ErrIncorrectPassword)
}

func TestOpenUnsupportedAlgo(t *testing.T) {
	desc, _, err := Generate("hunter2", AlgoArgon2idWeak)
	require.NoError(t, err)
	desc.Algo = "scrypt"

	_, err = Open(desc, "hunter2")
	assert.Error(t, err)
}

func TestSubkeysAreIndependent(t *testing.T) {
	_, key, err := Generate("hunter2", AlgoArgon2idWeak)
	require.NoError(t, err)

	assert.NotEqual(t, key.BackupKey(), key.Derive([]byte("other"), 32))
	assert.NotEqual(t, key.AuthKey("alice"), key.AuthKey("bob"))
	assert.Len(t, key.BackupKey(), 32)
	assert.Len(t, key.AuthKey("alice"), 16)
}

func TestZeroWipes(t *testing.T) {
	_, key, err := Generate("hunter2", AlgoArgon2idWeak)
	require.NoError(t, err)

	key.Zero()
	for _, b := range key.data {
		require.Zero(t, b)
	}
}
