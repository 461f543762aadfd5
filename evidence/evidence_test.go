package evidence

import (
	"crypto/ecdsa"
	"fmt"
	"testing"

	"agent-sentinel/account"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapResolver resolves submitter keys from a fixed table
type mapResolver map[string]*ecdsa.PublicKey

func (m mapResolver) PublicKey(agentID string) (*ecdsa.PublicKey, error) {
	key, ok := m[agentID]
	if !ok {
		return nil, fmt.Errorf("no key for %s", agentID)
	}
	return key, nil
}

func newSignedItem(t *testing.T, resolver mapResolver, target string) *Evidence {
	t.Helper()
	acc, err := account.New()
	require.NoError(t, err)
	resolver[acc.Address] = acc.PublicKey

	item := New(TypeBehavioral, target, acc.Address, "anomalous request pattern", 1.0, 0.9)
	signature, err := acc.Sign(item.SigningPayload())
	require.NoError(t, err)
	item.Signature = signature
	return item
}

func TestSubmit_VerifiesSignature(t *testing.T) {
	resolver := mapResolver{}
	pool := NewPool(resolver)

	item := newSignedItem(t, resolver, "rogue-agent")
	require.NoError(t, pool.Submit(item))

	stored, ok := pool.Get(item.ID)
	require.True(t, ok)
	assert.True(t, stored.Verified)
	assert.Equal(t, []string{item.ID}, pool.ForTarget("rogue-agent"))
}

func TestSubmit_BadSignatureStoredUnverified(t *testing.T) {
	resolver := mapResolver{}
	pool := NewPool(resolver)

	item := newSignedItem(t, resolver, "rogue-agent")
	item.Signature[0] ^= 0xFF

	require.NoError(t, pool.Submit(item), "Forged evidence still enters the audit trail")

	stored, _ := pool.Get(item.ID)
	assert.False(t, stored.Verified)
}

func TestSubmit_UnknownSubmitterStaysUnverified(t *testing.T) {
	pool := NewPool(mapResolver{})

	item := New(TypeNetwork, "rogue-agent", "ghost", "port scan observed", 1.0, 0.8)
	item.Signature = []byte("unresolvable")

	require.NoError(t, pool.Submit(item))
	stored, _ := pool.Get(item.ID)
	assert.False(t, stored.Verified)
}

func TestSubmit_DuplicateRejected(t *testing.T) {
	resolver := mapResolver{}
	pool := NewPool(resolver)

	item := newSignedItem(t, resolver, "rogue-agent")
	require.NoError(t, pool.Submit(item))
	assert.ErrorContains(t, pool.Submit(item), "already submitted")
	assert.Equal(t, 1, pool.Count())

	assert.Error(t, pool.Submit(nil))
}

func TestQualityScore(t *testing.T) {
	resolver := mapResolver{}
	pool := NewPool(resolver)

	verified := newSignedItem(t, resolver, "rogue-agent")
	require.NoError(t, pool.Submit(verified))

	unverified := New(TypeBehavioral, "rogue-agent", "ghost", "unsigned claim", 1.0, 1.0)
	require.NoError(t, pool.Submit(unverified))

	assert.InDelta(t, 0.9, pool.QualityScore([]string{verified.ID}), 1e-9,
		"A verified item contributes its reliability")
	assert.InDelta(t, 0.0, pool.QualityScore([]string{unverified.ID}), 1e-9,
		"Unverified items contribute nothing")
	assert.InDelta(t, 0.45, pool.QualityScore([]string{verified.ID, unverified.ID}), 1e-9,
		"Unverified items dilute the weighted score")
	assert.InDelta(t, 0.0, pool.QualityScore(nil), 1e-9)
}

func TestNew_ClampsReliability(t *testing.T) {
	item := New(TypeConsensus, "rogue-agent", "peer-1", "verdict history", 1.0, 1.7)
	assert.InDelta(t, 1.0, item.Reliability, 1e-9)

	item = New(TypeConsensus, "rogue-agent", "peer-1", "verdict history", 1.0, -0.3)
	assert.InDelta(t, 0.0, item.Reliability, 1e-9)
}
