// Package audit keeps a hash-chained, signed log of every finalized verdict
// and quarantine action, so the sentinel's history is tamper-evident.
package audit

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"agent-sentinel/account"
)

const PrevHashOfGenesis = "0000000000000000000000000000000000000000000000000000000000000000"

// EntryKind classifies what an audit entry records
type EntryKind string

const (
	KindGenesis    EntryKind = "genesis"
	KindVerdict    EntryKind = "verdict"
	KindQuarantine EntryKind = "quarantine"
	KindRecovery   EntryKind = "recovery"
	KindViolation  EntryKind = "violation"
)

// Entry is one link of the audit chain
type Entry struct {
	Index           uint64    `json:"index"`
	Timestamp       int64     `json:"timestamp"`
	PrevHash        string    `json:"prevHash"`
	Kind            EntryKind `json:"kind"`
	AgentID         string    `json:"agentId"`
	SessionID       string    `json:"sessionId,omitempty"`
	Data            string    `json:"data"`
	RecorderAddress string    `json:"recorderAddress"`
	Signature       []byte    `json:"signature,omitempty"`
	Hash            string    `json:"hash"`
}

// CalculateHash hashes every field that contributes to chain integrity.
// Signature and Hash are derived values and stay out.
func (entry *Entry) CalculateHash() []byte {
	record := strconv.FormatUint(entry.Index, 10) +
		strconv.FormatInt(entry.Timestamp, 10) +
		entry.PrevHash +
		string(entry.Kind) +
		entry.AgentID +
		entry.SessionID +
		entry.Data +
		entry.RecorderAddress

	sha := sha256.New()
	sha.Write([]byte(record))
	return sha.Sum(nil)
}

// StoreHash calculates and stores the entry hash
func (entry *Entry) StoreHash() {
	entry.Hash = hex.EncodeToString(entry.CalculateHash())
}

// VerifySignature checks the recorder's signature over the entry hash
func (entry *Entry) VerifySignature(publicKey *ecdsa.PublicKey) bool {
	if len(entry.Signature) == 0 {
		return false
	}
	return account.VerifySignatureByPublicKey(publicKey, entry.CalculateHash(), entry.Signature)
}

// CreateGenesisEntry starts a new audit chain
func CreateGenesisEntry(recorder *account.Account) (*Entry, error) {
	genesis := &Entry{
		Index:           0,
		Timestamp:       time.Now().Unix(),
		PrevHash:        PrevHashOfGenesis,
		Kind:            KindGenesis,
		Data:            "Audit chain genesis",
		RecorderAddress: recorder.Address,
	}
	genesis.StoreHash()

	signature, err := recorder.Sign(genesis.CalculateHash())
	if err != nil {
		return nil, err
	}
	genesis.Signature = signature

	return genesis, nil
}
