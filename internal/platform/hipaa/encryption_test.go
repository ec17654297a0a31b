package hipaa

import (
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateTestKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestNewPHIEncryptor_KeyLength(t *testing.T) {
	_, err := NewPHIEncryptor(generateTestKey(t))
	assert.NoError(t, err)

	for _, n := range []int{0, 16, 64} {
		_, err := NewPHIEncryptor(make([]byte, n))
		assert.Error(t, err, "key of %d bytes", n)
	}
}

func TestNewPHIEncryptorFromHex(t *testing.T) {
	_, err := NewPHIEncryptorFromHex(hex.EncodeToString(generateTestKey(t)))
	assert.NoError(t, err)

	_, err = NewPHIEncryptorFromHex("not-hex")
	assert.Error(t, err)
}

func TestPHIEncryptor_SealOpen(t *testing.T) {
	enc, err := NewPHIEncryptor(generateTestKey(t))
	require.NoError(t, err)

	plain := []byte(`{"patient":{"first_name":"Jane","last_name":"Doe"}}`)
	a, err := enc.Seal(plain)
	require.NoError(t, err)
	b, err := enc.Seal(plain)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "nonces must differ")
	assert.NotContains(t, string(a), "Jane")

	got, err := enc.Open(a)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestPHIEncryptor_OpenRejectsTampering(t *testing.T) {
	enc, err := NewPHIEncryptor(generateTestKey(t))
	require.NoError(t, err)

	sealed, err := enc.Seal([]byte("draft"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff
	_, err = enc.Open(sealed)
	assert.Error(t, err)

	_, err = enc.Open([]byte("short"))
	assert.Error(t, err)

	other, err := NewPHIEncryptor(generateTestKey(t))
	require.NoError(t, err)
	sealed, err = enc.Seal([]byte("draft"))
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.Error(t, err)
}
