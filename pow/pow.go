// Package pow issues and verifies hash-preimage puzzles used as the
// computational commitment step of quarantine recovery.
package pow

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"agent-sentinel/logger"

	"github.com/google/uuid"
)

var log = logger.Logger

// Challenge is one outstanding puzzle: find a nonce such that
// sha256(seed || agentID || nonce) has at least Difficulty leading zero bits.
type Challenge struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agentId"`
	Seed       string    `json:"seed"`
	Difficulty int       `json:"difficulty"`
	IssuedAt   time.Time `json:"issuedAt"`
	Solved     bool      `json:"solved"`
}

// Service issues puzzles and verifies solutions. Solved puzzles stay in the
// table so repeated verification of the same handle remains consistent.
type Service struct {
	mutex      sync.Mutex
	challenges map[string]*Challenge
}

// NewService creates an empty puzzle table
func NewService() *Service {
	return &Service{challenges: make(map[string]*Challenge)}
}

// IssueChallenge creates a puzzle for an agent and returns its handle
func (s *Service) IssueChallenge(agentID string, difficulty int) (string, error) {
	if difficulty < 1 || difficulty > 64 {
		return "", fmt.Errorf("difficulty %d out of range [1,64]", difficulty)
	}

	seed := make([]byte, 16)
	if _, err := rand.Read(seed); err != nil {
		return "", fmt.Errorf("failed to generate puzzle seed: %w", err)
	}

	challenge := &Challenge{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Seed:       hex.EncodeToString(seed),
		Difficulty: difficulty,
		IssuedAt:   time.Now(),
	}

	s.mutex.Lock()
	s.challenges[challenge.ID] = challenge
	s.mutex.Unlock()

	log.WithFields(logger.Fields{
		"agentID":    agentID,
		"handle":     challenge.ID,
		"difficulty": difficulty,
	}).Debug("Proof-of-work puzzle issued")

	return challenge.ID, nil
}

// Get returns a copy of an outstanding puzzle
func (s *Service) Get(handle string) (*Challenge, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	challenge, ok := s.challenges[handle]
	if !ok {
		return nil, fmt.Errorf("unknown puzzle handle %s", handle)
	}
	challengeCopy := *challenge
	return &challengeCopy, nil
}

// VerifySolution checks a nonce against an issued puzzle
func (s *Service) VerifySolution(handle string, nonce uint64) bool {
	s.mutex.Lock()
	challenge, ok := s.challenges[handle]
	s.mutex.Unlock()
	if !ok {
		return false
	}

	if leadingZeroBits(digest(challenge.Seed, challenge.AgentID, nonce)) < challenge.Difficulty {
		return false
	}

	s.mutex.Lock()
	challenge.Solved = true
	s.mutex.Unlock()

	log.WithFields(logger.Fields{
		"agentID": challenge.AgentID,
		"handle":  handle,
		"nonce":   nonce,
	}).Debug("Proof-of-work solution accepted")

	return true
}

// Solve brute-forces a puzzle. Intended for agents working their way out of
// quarantine and for tests; maxIterations of 0 means unbounded.
func (s *Service) Solve(handle string, maxIterations uint64) (uint64, error) {
	challenge, err := s.Get(handle)
	if err != nil {
		return 0, err
	}

	for nonce := uint64(0); maxIterations == 0 || nonce < maxIterations; nonce++ {
		if leadingZeroBits(digest(challenge.Seed, challenge.AgentID, nonce)) >= challenge.Difficulty {
			return nonce, nil
		}
	}
	return 0, fmt.Errorf("no solution found within %d iterations", maxIterations)
}

func digest(seed, agentID string, nonce uint64) [32]byte {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)

	h := sha256.New()
	h.Write([]byte(seed))
	h.Write([]byte(agentID))
	h.Write(nonceBytes[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func leadingZeroBits(hash [32]byte) int {
	count := 0
	for _, b := range hash {
		if b == 0 {
			count += 8
			continue
		}
		count += bits.LeadingZeros8(b)
		break
	}
	return count
}
