// Package threshold attests finalized consensus hashes with BLS aggregate
// signatures, so a single short signature proves the whole signing committee
// stood behind a verdict.
package threshold

import (
	"fmt"
	"sync"

	"agent-sentinel/logger"

	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/pairing/bn256"
	"go.dedis.ch/kyber/v4/sign/bls"
	"go.dedis.ch/kyber/v4/util/random"
)

var log = logger.Logger

// Committee holds the BLS key pairs of the local signing members and
// produces one aggregate signature per finalized session.
type Committee struct {
	mutex sync.Mutex
	suite *bn256.Suite

	privates map[string]kyber.Scalar
	publics  map[string]kyber.Point
}

// NewCommittee creates an empty BLS signing committee on the bn256 pairing
// suite.
func NewCommittee() *Committee {
	return &Committee{
		suite:    bn256.NewSuite(),
		privates: make(map[string]kyber.Scalar),
		publics:  make(map[string]kyber.Point),
	}
}

// AddMember generates a key pair for a committee member
func (c *Committee) AddMember(memberID string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.privates[memberID]; exists {
		return fmt.Errorf("member %s already in committee", memberID)
	}

	private, public := bls.NewKeyPair(c.suite, random.New())
	c.privates[memberID] = private
	c.publics[memberID] = public

	log.WithField("memberID", memberID).Debug("BLS committee member added")
	return nil
}

// RemoveMember drops a member's key pair
func (c *Committee) RemoveMember(memberID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.privates, memberID)
	delete(c.publics, memberID)
}

// Size returns the committee size
func (c *Committee) Size() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.privates)
}

// Aggregate signs the consensus hash with every member key and aggregates
// the signatures into one.
func (c *Committee) Aggregate(sessionID string, consensusHash []byte) ([]byte, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(c.privates) == 0 {
		return nil, fmt.Errorf("signing committee is empty")
	}

	signatures := make([][]byte, 0, len(c.privates))
	for memberID, private := range c.privates {
		signature, err := bls.Sign(c.suite, private, consensusHash)
		if err != nil {
			return nil, fmt.Errorf("member %s failed to sign: %w", memberID, err)
		}
		signatures = append(signatures, signature)
	}

	aggregate, err := bls.AggregateSignatures(c.suite, signatures...)
	if err != nil {
		return nil, fmt.Errorf("signature aggregation failed: %w", err)
	}

	log.WithFields(logger.Fields{
		"sessionID": sessionID,
		"signers":   len(signatures),
	}).Debug("Aggregate signature produced")

	return aggregate, nil
}

// Verify checks an aggregate signature against the aggregated committee key
func (c *Committee) Verify(consensusHash, signature []byte) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(c.publics) == 0 {
		return false
	}

	publics := make([]kyber.Point, 0, len(c.publics))
	for _, public := range c.publics {
		publics = append(publics, public)
	}

	aggregateKey := bls.AggregatePublicKeys(c.suite, publics...)
	if err := bls.Verify(c.suite, aggregateKey, consensusHash, signature); err != nil {
		log.WithError(err).Warn("Aggregate signature verification failed")
		return false
	}
	return true
}
