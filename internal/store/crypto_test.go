package store

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKeyHex)
	require.NoError(t, err)

	sealed, err := c.Encrypt("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", sealed)

	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
}

func TestCipherEmptyStringPassesThrough(t *testing.T) {
	c, err := NewCipher(testKeyHex)
	require.NoError(t, err)

	sealed, err := c.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, sealed)

	plain, err := c.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, plain)
}

func TestCipherNonceVariesPerEncrypt(t *testing.T) {
	c, err := NewCipher(testKeyHex)
	require.NoError(t, err)

	a, err := c.Encrypt("same input")
	require.NoError(t, err)
	b, err := c.Encrypt("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCipherTamperedCiphertextFails(t *testing.T) {
	c, err := NewCipher(testKeyHex)
	require.NoError(t, err)

	sealed, err := c.Encrypt("secret")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff

	_, err = c.Decrypt(base64.StdEncoding.EncodeToString(raw))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestCipherWrongKeyFails(t *testing.T) {
	c1, err := NewCipher(testKeyHex)
	require.NoError(t, err)
	c2, err := NewCipher(strings.Repeat("ff", 32))
	require.NoError(t, err)

	sealed, err := c1.Encrypt("secret")
	require.NoError(t, err)

	_, err = c2.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestNewCipherRejectsBadKeys(t *testing.T) {
	_, err := NewCipher("deadbeef")
	assert.Error(t, err)

	_, err = NewCipher("not hex at all")
	assert.Error(t, err)
}
