package secrets

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	box := New("correct horse")
	enc, err := box.Encrypt("p@ss!word")
	require.NoError(t, err)
	assert.True(t, IsEncrypted(enc))

	plain, err := box.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "p@ss!word", plain)
}

func TestDecryptPlainPassesThrough(t *testing.T) {
	plain, err := New("").Decrypt("admin")
	require.NoError(t, err)
	assert.Equal(t, "admin", plain)
}

func TestDecryptWrongKey(t *testing.T) {
	enc, err := New("one").Encrypt("secret")
	require.NoError(t, err)

	_, err = New("two").Decrypt(enc)
	assert.Error(t, err)
}

func TestDecryptWithoutKey(t *testing.T) {
	_, err := New("").Decrypt(Prefix + "AAAA")
	assert.True(t, errors.Is(err, ErrNoKey))
}

func TestDecryptMalformed(t *testing.T) {
	_, err := New("k").Decrypt(Prefix + "not base64!")
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = New("k").Decrypt(Prefix + "AAAA")
	assert.True(t, errors.Is(err, ErrMalformed))
}
