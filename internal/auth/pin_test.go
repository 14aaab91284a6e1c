package auth

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/argon2"
)

func TestArgon2Pins_HashAndVerify(t *testing.T) {
	pins := Argon2Pins{}

	h1, err := pins.Hash("4321")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(h1, "$argon2id$v=19$m=65536,t=3,p=1$"))

	h2, err := pins.Hash("4321")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2, "salt is random")

	ok, err := pins.Verify("4321", h1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = pins.Verify("1234", h1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArgon2Pins_ReadsParamsFromHash(t *testing.T) {
	salt := []byte("somesaltsomesalt")
	key := argon2.IDKey([]byte("2468"), salt, 2, 16, 1, 16)
	encoded := "$argon2id$v=19$m=16,t=2,p=1$" +
		base64.RawStdEncoding.EncodeToString(salt) + "$" +
		base64.RawStdEncoding.EncodeToString(key)

	ok, err := Argon2Pins{}.Verify("2468", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Argon2Pins{}.Verify("2469", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArgon2Pins_Malformed(t *testing.T) {
	pins := Argon2Pins{}
	for _, bad := range []string{
		"",
		"plaintext",
		"$argon2i$v=19$m=65536,t=3,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=16$m=65536,t=3,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=x,t=3,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=3,p=1$!!$aGFzaA",
		"$argon2id$v=19$m=65536,t=3,p=1$c2FsdA$",
	} {
		ok, err := pins.Verify("1234", bad)
		assert.False(t, ok, bad)
		assert.ErrorIs(t, err, ErrMalformedHash, bad)
	}
}

func TestConstantTimeCompare(t *testing.T) {
	assert.True(t, constantTimeCompare([]byte("same"), []byte("same")))
	assert.False(t, constantTimeCompare([]byte("same"), []byte("diff")))
	assert.False(t, constantTimeCompare([]byte("a"), []byte("ab")))
	assert.False(t, constantTimeCompare(nil, []byte("x")))
}
