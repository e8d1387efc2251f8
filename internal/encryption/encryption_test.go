package encryption

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCipher(t *testing.T, fill byte) *Cipher {
	t.Helper()
	c, err := New(bytes.Repeat([]byte{fill}, 32))
	require.NoError(t, err)
	return c
}

func TestEncryptDecrypt(t *testing.T) {
	c := newCipher(t, 7)
	ct, err := c.Encrypt("patient prefers morning appointments")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ct, "v1."))
	assert.NotContains(t, ct, "morning")

	pt, err := c.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "patient prefers morning appointments", pt)
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	c := newCipher(t, 7)
	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptRejectsForeignCiphertext(t *testing.T) {
	ct, err := newCipher(t, 1).Encrypt("secret")
	require.NoError(t, err)

	other := newCipher(t, 2)
	for _, in := range []string{ct, "plaintext", "v1.!!!", "v1.AAAA"} {
		_, err := other.Decrypt(in)
		assert.ErrorIs(t, err, ErrMalformed, in)
	}
}

func TestNewRejectsShortKey(t *testing.T) {
	_, err := New([]byte("short"))
	assert.Error(t, err)
}
