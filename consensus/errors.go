package consensus

import "errors"

// Recoverable per-vote errors: the vote is rejected, the session continues.
var (
	ErrVoterNotEligible = errors.New("voter is not eligible for this session")
	ErrDuplicateVote    = errors.New("voter already voted in this round")
	ErrSessionClosed    = errors.New("session round is not accepting submissions")
	ErrRevealMismatch   = errors.New("reveal does not match commitment")
)

// Caller errors, rejected synchronously.
var (
	ErrSessionNotFound = errors.New("consensus session not found")
	ErrSessionActive   = errors.New("target agent already has an active session")
)
