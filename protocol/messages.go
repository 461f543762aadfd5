package protocol

import (
	"encoding/json"

	"agent-sentinel/audit"
	"agent-sentinel/consensus"
	"agent-sentinel/evidence"
	"agent-sentinel/quarantine"
)

// MessageType represents network message types
type MessageType int

const (
	MessageTypeSessionAnnounce MessageType = iota
	MessageTypeEvidence
	MessageTypeVote
	MessageTypeVoteCommit
	MessageTypeVoteReveal
	MessageTypeVerdict
	MessageTypeEndorsement
	MessageTypeAuditRequest
	MessageTypeAuditResponse
	MessageTypeStatusRequest
	MessageTypeStatusResponse
)

// Message represents a network message
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SessionAnnounceMessage announces a newly initiated consensus session
type SessionAnnounceMessage struct {
	SessionID   string `json:"sessionId"`
	TargetAgent string `json:"targetAgent"`
	InitiatedBy string `json:"initiatedBy"`
	Round       int    `json:"round"`
	Timestamp   int64  `json:"timestamp"`
}

// EvidenceMessage carries one piece of evidence for an open session
type EvidenceMessage struct {
	SessionID string             `json:"sessionId"`
	Evidence  *evidence.Evidence `json:"evidence"`
}

// VoteMessage carries one plain (non-committed) vote
type VoteMessage struct {
	SessionID string          `json:"sessionId"`
	Vote      *consensus.Vote `json:"vote"`
}

// VoteCommitMessage carries a round-one vote commitment
type VoteCommitMessage struct {
	SessionID  string `json:"sessionId"`
	VoterID    string `json:"voterId"`
	CommitHash string `json:"commitHash"`
}

// VoteRevealMessage opens a previously committed vote
type VoteRevealMessage struct {
	SessionID string          `json:"sessionId"`
	Vote      *consensus.Vote `json:"vote"`
}

// VerdictMessage broadcasts a finalized consensus result
type VerdictMessage struct {
	Result    *consensus.Result `json:"result"`
	AuditHash string            `json:"auditHash,omitempty"`
}

// EndorsementMessage carries a peer endorsement for a quarantined agent
type EndorsementMessage struct {
	Endorsement *quarantine.PeerEndorsement `json:"endorsement"`
}

// AuditRequestMessage requests a range of audit entries
type AuditRequestMessage struct {
	StartIndex uint64 `json:"start_index"`
	EndIndex   uint64 `json:"end_index"`
}

// AuditResponseMessage is the response to an audit request
type AuditResponseMessage struct {
	Entries []*audit.Entry `json:"entries"`
}

// StatusRequestMessage asks a peer for its sentinel status
type StatusRequestMessage struct {
	// Empty for now, could add filters in the future
}

// StatusResponseMessage summarizes a peer's sentinel state
type StatusResponseMessage struct {
	NodeID           string `json:"nodeId"`
	ActiveSessions   int    `json:"activeSessions"`
	QuarantineCount  int    `json:"quarantineCount"`
	AuditEntryCount  int    `json:"auditEntryCount"`
	LatestAuditHash  string `json:"latestAuditHash"`
	GenesisAuditHash string `json:"genesisAuditHash"`
}
