package account

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	acc, err := New()
	require.NoError(t, err)
	require.NotEmpty(t, acc.Address)

	message := []byte("vote|malicious|0.9")
	signature, err := acc.Sign(message)
	require.NoError(t, err)
	assert.Len(t, signature, 64, "Signatures are fixed-width r||s")

	assert.True(t, acc.VerifySignature(message, signature))
	assert.False(t, acc.VerifySignature([]byte("tampered"), signature))
	assert.False(t, acc.VerifySignature(message, signature[:63]), "Odd-length signatures are rejected")
	assert.False(t, acc.VerifySignature(message, nil))
}

func TestVerifySignature_WrongKey(t *testing.T) {
	signer, err := New()
	require.NoError(t, err)
	other, err := New()
	require.NoError(t, err)

	message := []byte("endorsement payload")
	signature, err := signer.Sign(message)
	require.NoError(t, err)

	assert.False(t, VerifySignatureByPublicKey(other.PublicKey, message, signature))
}

func TestPEMRoundTrip(t *testing.T) {
	acc, err := New()
	require.NoError(t, err)

	keyPath := filepath.Join(t.TempDir(), "keys", "agent.pem")
	require.NoError(t, acc.SaveToFile(keyPath))

	loaded, err := LoadFromFile(keyPath)
	require.NoError(t, err)
	assert.Equal(t, acc.Address, loaded.Address, "The address is derived from the key, so it must survive the round trip")

	message := []byte("cross-instance check")
	signature, err := acc.Sign(message)
	require.NoError(t, err)
	assert.True(t, loaded.VerifySignature(message, signature))
}

func TestPublicKeyPEMExchange(t *testing.T) {
	acc, err := New()
	require.NoError(t, err)

	publicPEM, err := acc.ExportPublicKeyPEM()
	require.NoError(t, err)

	peerKey, err := ParsePublicKeyPEM(publicPEM)
	require.NoError(t, err)

	message := []byte("peer-visible payload")
	signature, err := acc.Sign(message)
	require.NoError(t, err)
	assert.True(t, VerifySignatureByPublicKey(peerKey, message, signature))

	_, err = ParsePublicKeyPEM("not a pem block")
	assert.Error(t, err)
}

func TestLoadFromPEM_Garbage(t *testing.T) {
	_, err := LoadFromPEM("garbage")
	assert.Error(t, err)

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)
}
