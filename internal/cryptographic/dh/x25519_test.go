package dh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestX25519SharedSecretAgreement(t *testing.T) {
	alicePriv, alicePub, err := NewX25519KeyPair()
	require.NoError(t, err)
	bobPriv, bobPub, err := NewX25519KeyPair()
	require.NoError(t, err)

	aliceShared, err := X25519SharedSecret(alicePriv, bobPub)
	require.NoError(t, err)
	bobShared, err := X25519SharedSecret(bobPriv, alicePub)
	require.NoError(t, err)

	assert.Equal(t, aliceShared, bobShared)
	assert.Len(t, aliceShared, 32)
}

func TestX25519KeyPairsAreDistinct(t *testing.T) {
	_, pub1, err := NewX25519KeyPair()
	require.NoError(t, err)
	_, pub2, err := NewX25519KeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, pub1, pub2)
}
