package consensus

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitVote_EligibilityRules(t *testing.T) {
	f := newTestFixture(fullQuorumConfig(), 5)
	f.registry.Register("rogue-agent", nil)

	sessionID, err := f.engine.Initiate("rogue-agent", nil, 0.9)
	require.NoError(t, err)

	err = f.engine.SubmitVote(sessionID, vote("rogue-agent", DecisionBenign, 0.9))
	assert.ErrorIs(t, err, ErrVoterNotEligible, "Target must not vote on itself")

	err = f.engine.SubmitVote(sessionID, vote("stranger", DecisionMalicious, 0.9))
	assert.ErrorIs(t, err, ErrVoterNotEligible, "Unregistered voters are rejected")

	f.registry.SetSuspended("v1", true)
	err = f.engine.SubmitVote(sessionID, vote("v1", DecisionMalicious, 0.9))
	assert.ErrorIs(t, err, ErrVoterNotEligible, "Suspended voters are rejected")

	// Registration after the round opened misses the eligibility snapshot.
	f.registry.Register("latecomer", nil)
	err = f.engine.SubmitVote(sessionID, vote("latecomer", DecisionMalicious, 0.9))
	assert.ErrorIs(t, err, ErrVoterNotEligible, "Voters joining mid-round wait for the next session")
}

func TestSubmitVote_DuplicateRejected(t *testing.T) {
	f := newTestFixture(fullQuorumConfig(), 5)

	sessionID, err := f.engine.Initiate("rogue-agent", nil, 0.9)
	require.NoError(t, err)

	require.NoError(t, f.engine.SubmitVote(sessionID, vote("v1", DecisionMalicious, 0.9)))
	err = f.engine.SubmitVote(sessionID, vote("v1", DecisionBenign, 0.9))
	assert.ErrorIs(t, err, ErrDuplicateVote, "A voter gets exactly one vote per round")

	rounds, _ := f.engine.Rounds(sessionID)
	assert.Equal(t, DecisionMalicious, rounds[0].Votes["v1"].Decision, "First vote must stand")
}

func TestSubmitVote_UnknownSession(t *testing.T) {
	f := newTestFixture(fullQuorumConfig(), 5)

	err := f.engine.SubmitVote("no-such-session", vote("v1", DecisionMalicious, 0.9))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestVoteWeight_Formula(t *testing.T) {
	assert.InDelta(t, 0.8, voteWeight(0.8, 0), 1e-9, "Zero stake leaves bare reputation")
	assert.InDelta(t, 0.8*(1+math.Log10(1001)), voteWeight(0.8, 1000), 1e-9)
	assert.InDelta(t, 0.0, voteWeight(0, 1e6), 1e-9, "Stake without reputation is worthless")
	assert.InDelta(t, 0.0, voteWeight(-1, 50), 1e-9, "Negative inputs clamp to zero")

	assert.Greater(t, voteWeight(0.8, 100), voteWeight(0.8, 10), "Weight is monotonic in stake")
	assert.Greater(t, voteWeight(0.9, 10), voteWeight(0.8, 10), "Weight is monotonic in reputation")
}

func TestSubmitVote_SnapshotsLedgerAtSubmission(t *testing.T) {
	f := newTestFixture(fullQuorumConfig(), 5)
	f.ledger.set("v1", 0.6, 99)

	sessionID, err := f.engine.Initiate("rogue-agent", nil, 0.9)
	require.NoError(t, err)
	require.NoError(t, f.engine.SubmitVote(sessionID, vote("v1", DecisionMalicious, 0.9)))

	// Later ledger changes must not touch the recorded vote.
	f.ledger.set("v1", 0.1, 0)

	rounds, _ := f.engine.Rounds(sessionID)
	recorded := rounds[0].Votes["v1"]
	assert.InDelta(t, 0.6, recorded.Reputation, 1e-9)
	assert.InDelta(t, 99.0, recorded.Stake, 1e-9)
	assert.InDelta(t, voteWeight(0.6, 99), recorded.Weight, 1e-9)
}

func TestSubmitVote_SignatureVerification(t *testing.T) {
	f := newTestFixture(fullQuorumConfig(), 5)

	voterAcc := f.submitter
	f.registry.SetSuspended(voterAcc.Address, false)

	sessionID, err := f.engine.Initiate("rogue-agent", nil, 0.9)
	require.NoError(t, err)

	signed := vote(voterAcc.Address, DecisionMalicious, 0.9)
	signed.TargetAgent = "rogue-agent"
	signed.Round = 1
	signature, err := voterAcc.Sign(signed.SigningPayload())
	require.NoError(t, err)
	signed.Signature = signature

	require.NoError(t, f.engine.SubmitVote(sessionID, signed))

	rounds, _ := f.engine.Rounds(sessionID)
	assert.True(t, rounds[0].Votes[voterAcc.Address].Verified, "Correctly signed vote should verify")

	require.NoError(t, f.engine.SubmitVote(sessionID, vote("v1", DecisionMalicious, 0.9)))
	rounds, _ = f.engine.Rounds(sessionID)
	assert.False(t, rounds[0].Votes["v1"].Verified, "Keyless voters stay unverified but accepted")
}

func TestApplyByzantineCap_BoundsSingleVoter(t *testing.T) {
	votes := map[string]*Vote{
		"whale": {VoterID: "whale", Weight: 7.0},
		"v1":    {VoterID: "v1", Weight: 0.5},
		"v2":    {VoterID: "v2", Weight: 0.5},
		"v3":    {VoterID: "v3", Weight: 0.5},
		"v4":    {VoterID: "v4", Weight: 0.5},
	}

	applyByzantineCap(votes, 1.0/3.0)

	total := 0.0
	for _, v := range votes {
		total += v.Weight
	}
	for voterID, v := range votes {
		assert.LessOrEqual(t, v.Weight/total, 1.0/3.0+1e-9,
			"No voter may exceed the cap, got %s with share %f", voterID, v.Weight/total)
	}
	assert.InDelta(t, 0.5, votes["v1"].Weight, 1e-9, "Voters under the cap keep their weight")
}

func TestApplyByzantineCap_SmallSetsUntouched(t *testing.T) {
	votes := map[string]*Vote{"solo": {VoterID: "solo", Weight: 5.0}}
	applyByzantineCap(votes, 1.0/3.0)
	assert.InDelta(t, 5.0, votes["solo"].Weight, 1e-9, "A single voter cannot be capped below itself")
}

func TestTally_WhaleCannotFlipVerdict(t *testing.T) {
	config := fullQuorumConfig()
	config.ByzantineCap = 0.3
	f := newTestFixture(config, 5)
	// One whale against four modest honest voters.
	f.ledger.set("v1", 1.0, 1e6)
	for _, voterID := range []string{"v2", "v3", "v4", "v5"} {
		f.ledger.set(voterID, 0.5, 0)
	}

	sessionID, err := f.engine.Initiate("rogue-agent", nil, 0.9)
	require.NoError(t, err)

	require.NoError(t, f.engine.SubmitVote(sessionID, vote("v1", DecisionBenign, 0.99)))
	for _, voterID := range []string{"v2", "v3", "v4", "v5"} {
		require.NoError(t, f.engine.SubmitVote(sessionID, vote(voterID, DecisionMalicious, 0.9)))
	}

	rounds, _ := f.engine.Rounds(sessionID)
	assert.Equal(t, DecisionMalicious, rounds[0].Result,
		"Capped whale weight must not outvote the honest majority")
	assert.GreaterOrEqual(t, rounds[0].AgreementRatio, 0.67)
}

func TestCommitReveal_HidesVotesUntilRevealPhase(t *testing.T) {
	config := fullQuorumConfig()
	config.UseCommitReveal = true
	f := newTestFixture(config, 3)

	sessionID, err := f.engine.Initiate("rogue-agent", nil, 0.9)
	require.NoError(t, err)

	err = f.engine.SubmitVote(sessionID, vote("v1", DecisionMalicious, 0.9))
	assert.ErrorIs(t, err, ErrSessionClosed, "Plain votes are rejected while round 1 takes commitments")

	commitFor := func(voterID string, decision Decision) *Vote {
		v := vote(voterID, decision, 0.9)
		v.RevealNonce = "nonce-" + voterID
		v.Blinding = "blind-" + voterID
		return v
	}

	v1 := commitFor("v1", DecisionMalicious)
	v2 := commitFor("v2", DecisionMalicious)
	v3 := commitFor("v3", DecisionMalicious)

	for _, v := range []*Vote{v1, v2, v3} {
		hash := ComputeCommitHash(v.Decision, v.RevealNonce, v.Blinding)
		require.NoError(t, f.engine.SubmitVoteCommit(sessionID, v.VoterID, hash))
	}

	rounds, _ := f.engine.Rounds(sessionID)
	assert.Equal(t, RoundRevealing, rounds[0].Status, "All commitments in, reveal window opens")
	assert.Empty(t, rounds[0].Votes, "No vote content is visible during the commit phase")

	for _, v := range []*Vote{v1, v2, v3} {
		require.NoError(t, f.engine.RevealVote(sessionID, v))
	}

	rounds, _ = f.engine.Rounds(sessionID)
	assert.Equal(t, RoundCompleted, rounds[0].Status, "All reveals seal the round early")
	assert.Equal(t, DecisionMalicious, rounds[0].Result)
	assert.Len(t, rounds[0].Votes, 3)
}

func TestCommitReveal_MismatchBurnsVoteOnly(t *testing.T) {
	config := fullQuorumConfig()
	config.UseCommitReveal = true
	f := newTestFixture(config, 3)

	sessionID, err := f.engine.Initiate("rogue-agent", nil, 0.9)
	require.NoError(t, err)

	honest1 := vote("v1", DecisionMalicious, 0.9)
	honest1.RevealNonce, honest1.Blinding = "n1", "b1"
	honest2 := vote("v2", DecisionMalicious, 0.9)
	honest2.RevealNonce, honest2.Blinding = "n2", "b2"

	require.NoError(t, f.engine.SubmitVoteCommit(sessionID, "v1",
		ComputeCommitHash(honest1.Decision, "n1", "b1")))
	require.NoError(t, f.engine.SubmitVoteCommit(sessionID, "v2",
		ComputeCommitHash(honest2.Decision, "n2", "b2")))
	require.NoError(t, f.engine.SubmitVoteCommit(sessionID, "v3",
		ComputeCommitHash(DecisionBenign, "n3", "b3")))

	require.NoError(t, f.engine.RevealVote(sessionID, honest1))
	require.NoError(t, f.engine.RevealVote(sessionID, honest2))

	// v3 tries to reveal a different decision than it committed to.
	cheat := vote("v3", DecisionMalicious, 0.9)
	cheat.RevealNonce, cheat.Blinding = "n3", "b3"
	err = f.engine.RevealVote(sessionID, cheat)
	assert.ErrorIs(t, err, ErrRevealMismatch, "Mismatched reveal invalidates the vote")

	rounds, _ := f.engine.Rounds(sessionID)
	require.NotEmpty(t, rounds)
	assert.NotContains(t, rounds[0].Votes, "v3", "Burned commitment contributes no vote")
	assert.Len(t, rounds[0].Votes, 2, "Honest reveals survive a peer's mismatch")

	// The burned commitment cannot be retried.
	err = f.engine.RevealVote(sessionID, cheat)
	assert.Error(t, err)
}

func TestCommitReveal_DuplicateCommitRejected(t *testing.T) {
	config := DefaultConfig()
	config.UseCommitReveal = true
	config.MinParticipation = 1.0
	f := newTestFixture(config, 3)

	sessionID, err := f.engine.Initiate("rogue-agent", nil, 0.9)
	require.NoError(t, err)

	hash := ComputeCommitHash(DecisionMalicious, "n", "b")
	require.NoError(t, f.engine.SubmitVoteCommit(sessionID, "v1", hash))
	err = f.engine.SubmitVoteCommit(sessionID, "v1", hash)
	assert.ErrorIs(t, err, ErrDuplicateVote)
}
