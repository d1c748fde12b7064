package envelope

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESGCM_RoundTrip(t *testing.T) {
	sealer, err := NewAESGCM([]byte("correct horse battery staple"))
	require.NoError(t, err)

	payloads := [][]byte{
		[]byte("hello world"),
		{},
		bytes.Repeat([]byte{0xAB}, 1<<16),
	}
	for _, plaintext := range payloads {
		token, err := sealer.Seal(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, token)

		got, err := sealer.Open(token)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestAESGCM_FreshNoncePerSeal(t *testing.T) {
	sealer, err := NewAESGCM([]byte("k"))
	require.NoError(t, err)

	t1, err := sealer.Seal([]byte("same plaintext"))
	require.NoError(t, err)
	t2, err := sealer.Seal([]byte("same plaintext"))
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2)
}

func TestAESGCM_WrongKey(t *testing.T) {
	a, err := NewAESGCM([]byte("key-a"))
	require.NoError(t, err)
	b, err := NewAESGCM([]byte("key-b"))
	require.NoError(t, err)

	token, err := a.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = b.Open(token)
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestAESGCM_TamperedCiphertext(t *testing.T) {
	sealer, err := NewAESGCM([]byte("key"))
	require.NoError(t, err)

	token, err := sealer.Seal([]byte("do not touch"))
	require.NoError(t, err)

	for i := range token {
		flipped := bytes.Clone(token)
		flipped[i] ^= 0x01
		_, err := sealer.Open(flipped)
		assert.ErrorIs(t, err, ErrCrypto, "byte %d", i)
	}
}

func TestAESGCM_Truncated(t *testing.T) {
	sealer, err := NewAESGCM([]byte("key"))
	require.NoError(t, err)

	_, err = sealer.Open([]byte("short"))
	assert.ErrorIs(t, err, ErrCrypto)

	token, err := sealer.Seal([]byte("payload"))
	require.NoError(t, err)
	_, err = sealer.Open(token[:len(token)-1])
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestAESGCM_EmptySecret(t *testing.T) {
	_, err := NewAESGCM(nil)
	assert.Error(t, err)
}

func TestPlain_Identity(t *testing.T) {
	var p Plain
	token, err := p.Seal([]byte("clear"))
	require.NoError(t, err)
	got, err := p.Open(token)
	require.NoError(t, err)
	assert.Equal(t, []byte("clear"), got)
}

func TestForScheme(t *testing.T) {
	aead, err := NewAESGCM([]byte("key"))
	require.NoError(t, err)

	s, err := ForScheme(SchemeAESGCM, aead)
	require.NoError(t, err)
	assert.Equal(t, SchemeAESGCM, s.Scheme())

	s, err = ForScheme(SchemeNone, nil)
	require.NoError(t, err)
	assert.Equal(t, SchemeNone, s.Scheme())

	_, err = ForScheme(SchemeAESGCM, nil)
	assert.ErrorIs(t, err, ErrCrypto)

	_, err = ForScheme("rot13", aead)
	assert.ErrorIs(t, err, ErrCrypto)
}
