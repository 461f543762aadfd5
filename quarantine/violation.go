package quarantine

import (
	"time"

	"agent-sentinel/events"
	"agent-sentinel/logger"

	"github.com/google/uuid"
)

// Severity grades a quarantine violation
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityCritical Severity = "critical"
)

// Penalty is the computed consequence of one violation
type Penalty struct {
	Extension time.Duration `json:"extension"`
	Escalate  bool          `json:"escalate"`
}

// penaltyFor maps severity onto its penalty
func penaltyFor(severity Severity) Penalty {
	switch severity {
	case SeverityMinor:
		return Penalty{Extension: 2 * time.Hour}
	case SeverityModerate:
		return Penalty{Extension: 12 * time.Hour}
	case SeveritySevere:
		return Penalty{Extension: 24 * time.Hour, Escalate: true}
	case SeverityCritical:
		return Penalty{Extension: 48 * time.Hour, Escalate: true}
	default:
		return Penalty{Extension: 2 * time.Hour}
	}
}

// Violation is one recorded breach of quarantine restrictions
type Violation struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	EvidenceIDs []string  `json:"evidenceIds,omitempty"`
	Penalty     Penalty   `json:"penalty"`
	Timestamp   time.Time `json:"timestamp"`
}

// RecordViolation appends a violation, applies its penalty and enforces the
// permanent threshold. Reaching the threshold makes the record permanent
// regardless of any recovery progress.
func (m *Manager) RecordViolation(agentID, violationType, description string, evidenceIDs []string, severity Severity) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.recordViolationLocked(agentID, violationType, description, evidenceIDs, severity)
}

func (m *Manager) recordViolationLocked(agentID, violationType, description string, evidenceIDs []string, severity Severity) error {
	record, ok := m.records[agentID]
	if !ok {
		return ErrRecordNotFound
	}

	violation := Violation{
		ID:          uuid.NewString(),
		Type:        violationType,
		Description: description,
		Severity:    severity,
		EvidenceIDs: evidenceIDs,
		Penalty:     penaltyFor(severity),
		Timestamp:   m.clock.Now(),
	}
	record.Violations = append(record.Violations, violation)

	log.WithFields(logger.Fields{
		"agentID":    agentID,
		"type":       violationType,
		"severity":   severity,
		"violations": len(record.Violations),
	}).Warn("Quarantine violation recorded")

	m.bus.Emit(events.Event{
		Type:    events.QuarantineViolation,
		AgentID: agentID,
		Details: map[string]interface{}{
			"type":     violationType,
			"severity": string(severity),
			"count":    len(record.Violations),
		},
	})

	// Penalties only apply while the record is still open; a permanent
	// record just keeps accumulating history. Escalation resets EndTime to
	// the new level's maximum, so the extension lands afterwards to stay
	// on top of the escalated window.
	if record.Status.isOpen() {
		if violation.Penalty.Escalate {
			if err := m.escalateLocked(record, "violation penalty: "+violationType); err != nil {
				return err
			}
		}
		if violation.Penalty.Extension > 0 {
			m.extendLocked(record, violation.Penalty.Extension, "violation penalty: "+violationType)
		}
	}

	// The permanent threshold overrides everything, including recovery
	// already in flight.
	if len(record.Violations) >= m.config.PermanentThreshold {
		record.Status = StatusPermanent
		log.WithFields(logger.Fields{
			"agentID":    agentID,
			"violations": len(record.Violations),
		}).Error(logger.DISPLAY_TAG + " Violation threshold reached, quarantine is now permanent")
	}

	return nil
}
