package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByzantineScore(t *testing.T) {
	round := &Round{Votes: map[string]*Vote{
		"v1": {Weight: 1.0},
		"v2": {Weight: 1.0},
		"v3": {Weight: 2.0},
	}}
	assert.InDelta(t, 0.5, byzantineScore(round), 1e-9,
		"Score is one minus the largest single weight share")

	balanced := &Round{Votes: map[string]*Vote{
		"v1": {Weight: 1.0},
		"v2": {Weight: 1.0},
	}}
	assert.InDelta(t, 0.5, byzantineScore(balanced), 1e-9)

	solo := &Round{Votes: map[string]*Vote{"v1": {Weight: 3.0}}}
	assert.InDelta(t, 0.0, byzantineScore(solo), 1e-9, "A single voter is full capture")

	assert.InDelta(t, 0.0, byzantineScore(&Round{}), 1e-9, "An empty round scores zero")
}

func TestGetResult_Errors(t *testing.T) {
	f := newTestFixture(fullQuorumConfig(), 5)

	_, err := f.engine.GetResult("no-such-session")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	sessionID, err := f.engine.Initiate("rogue-agent", nil, 0.9)
	require.NoError(t, err)

	_, err = f.engine.GetResult(sessionID)
	assert.ErrorContains(t, err, "not finalized", "In-flight sessions have no result yet")
}

func TestFinalize_FailedAggregateSigningFailsVerification(t *testing.T) {
	config := fullQuorumConfig()
	config.ThresholdSignatures = true
	f := newTestFixture(config, 5)
	signer := &mockSigner{failAggregate: true}
	f.engine.SetAggregateSigner(signer)

	sessionID, err := f.engine.Initiate("rogue-agent", nil, 0.9)
	require.NoError(t, err)
	require.NoError(t, f.engine.SubmitEvidence(sessionID, f.signedEvidence("rogue-agent")))

	// Unanimous rounds 1 and 2 finish the session via the super-majority skip.
	for round := 0; round < 2; round++ {
		for _, voterID := range []string{"v1", "v2", "v3", "v4", "v5"} {
			require.NoError(t, f.engine.SubmitVote(sessionID, vote(voterID, DecisionMalicious, 0.9)))
		}
	}

	result, err := f.engine.GetResult(sessionID)
	require.NoError(t, err)
	assert.Equal(t, DecisionMalicious, result.Decision,
		"Signature trouble does not change the verdict itself")
	assert.False(t, result.VerificationPassed)
	assert.Empty(t, result.AggregateSignature)
	assert.Equal(t, 1, signer.aggregateCalls)
}
