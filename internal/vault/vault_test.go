package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	t.Parallel()

	k1, err := DeriveKey("hunter2", "user-1")
	require.NoError(t, err)

	k2, err := DeriveKey("hunter2", "user-1")
	require.NoError(t, err)

	blob, err := k1.Encrypt([]byte("payload"))
	require.NoError(t, err)

	// The same password and user must derive the same key.
	plaintext, err := k2.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), plaintext)
}

func TestDeriveKey_UserIDChangesKey(t *testing.T) {
	t.Parallel()

	k1, err := DeriveKey("hunter2", "user-1")
	require.NoError(t, err)

	k2, err := DeriveKey("hunter2", "user-2")
	require.NoError(t, err)

	blob, err := k1.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = k2.Decrypt(blob)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestEncrypt_FreshNoncePerCall(t *testing.T) {
	t.Parallel()

	k, err := DeriveKey("hunter2", "user-1")
	require.NoError(t, err)

	a, err := k.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)

	b, err := k.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestDecrypt_WrongKey(t *testing.T) {
	t.Parallel()

	k1, err := DeriveKey("hunter2", "user-1")
	require.NoError(t, err)

	k2, err := DeriveKey("different", "user-1")
	require.NoError(t, err)

	blob, err := k1.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = k2.Decrypt(blob)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecrypt_TruncatedBlob(t *testing.T) {
	t.Parallel()

	k, err := DeriveKey("hunter2", "user-1")
	require.NoError(t, err)

	_, err = k.Decrypt([]byte("too short"))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestVerificationToken_Roundtrip(t *testing.T) {
	t.Parallel()

	k, err := DeriveKey("hunter2", "user-1")
	require.NoError(t, err)

	token, err := k.VerificationToken()
	require.NoError(t, err)

	assert.NoError(t, k.Verify(token))

	other, err := DeriveKey("different", "user-1")
	require.NoError(t, err)

	assert.Error(t, other.Verify(token))
}
