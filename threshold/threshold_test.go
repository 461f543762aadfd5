package threshold

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommittee_AggregateAndVerify(t *testing.T) {
	committee := NewCommittee()
	require.NoError(t, committee.AddMember("node-1"))
	require.NoError(t, committee.AddMember("node-2"))
	require.NoError(t, committee.AddMember("node-3"))
	require.Equal(t, 3, committee.Size())

	hash := sha256.Sum256([]byte("session-1|rogue-agent|malicious"))

	signature, err := committee.Aggregate("session-1", hash[:])
	require.NoError(t, err)
	require.NotEmpty(t, signature)

	assert.True(t, committee.Verify(hash[:], signature))

	other := sha256.Sum256([]byte("a different verdict"))
	assert.False(t, committee.Verify(other[:], signature),
		"An aggregate signature only covers the hash it signed")
}

func TestCommittee_MembershipChangesInvalidateSignatures(t *testing.T) {
	committee := NewCommittee()
	require.NoError(t, committee.AddMember("node-1"))
	require.NoError(t, committee.AddMember("node-2"))

	hash := sha256.Sum256([]byte("session-2|agent|benign"))
	signature, err := committee.Aggregate("session-2", hash[:])
	require.NoError(t, err)

	committee.RemoveMember("node-2")
	assert.Equal(t, 1, committee.Size())
	assert.False(t, committee.Verify(hash[:], signature),
		"The aggregated key no longer matches the signing set")
}

func TestCommittee_EmptyAndDuplicate(t *testing.T) {
	committee := NewCommittee()

	_, err := committee.Aggregate("session-3", []byte("hash"))
	assert.ErrorContains(t, err, "empty")
	assert.False(t, committee.Verify([]byte("hash"), []byte("signature")))

	require.NoError(t, committee.AddMember("node-1"))
	assert.ErrorContains(t, committee.AddMember("node-1"), "already in committee")
}
