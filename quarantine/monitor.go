package quarantine

import (
	"agent-sentinel/logger"
)

// StartMonitoring arms the periodic assessment loop
func (m *Manager) StartMonitoring() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.monitorTask != nil {
		return
	}
	m.stopped = false
	m.armMonitorLocked()
	log.WithField("interval", m.config.MonitorInterval).Info("Quarantine monitoring started")
}

func (m *Manager) armMonitorLocked() {
	m.monitorTask = m.sched.Schedule(m.config.MonitorInterval, func() {
		m.RunAssessment()
		m.mutex.Lock()
		if !m.stopped {
			m.armMonitorLocked()
		}
		m.mutex.Unlock()
	})
}

// StopMonitoring cancels the assessment loop
func (m *Manager) StopMonitoring() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.stopped = true
	if m.monitorTask != nil {
		m.monitorTask.Cancel()
		m.monitorTask = nil
	}
	log.Info("Quarantine monitoring stopped")
}

// RunAssessment performs one monitoring pass over every record: refresh
// behavior scores, convert flagged events into violations, then apply
// auto-recovery, auto-extension or the permanent backstop.
func (m *Manager) RunAssessment() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.clock.Now()

	// Collect ids first: violation handling may delete or close records.
	agentIDs := make([]string, 0, len(m.records))
	for agentID := range m.records {
		agentIDs = append(agentIDs, agentID)
	}

	for _, agentID := range agentIDs {
		record, ok := m.records[agentID]
		if !ok || !record.Status.isOpen() {
			continue
		}

		m.refreshBehaviorLocked(record)

		if m.behavior != nil {
			for _, flagged := range m.behavior.FlaggedEvents(agentID) {
				if err := m.recordViolationLocked(agentID, flagged.Type, flagged.Description,
					flagged.EvidenceIDs, flagged.Severity); err != nil {
					log.WithFields(logger.Fields{
						"agentID": agentID,
						"error":   err,
					}).Warn("Failed to record flagged violation")
				}
			}
		}

		// Re-read: violations may have escalated or closed the record.
		record, ok = m.records[agentID]
		if !ok || !record.Status.isOpen() || record.Status == StatusSuspended {
			continue
		}

		levelCfg := m.config.Levels[record.Level]

		// Clean observation records walk out on their own once the minimum
		// time is served and behavior holds.
		if record.Level == LevelObservation && len(record.Violations) == 0 &&
			now.Sub(record.StartTime) >= levelCfg.Duration.Minimum &&
			record.Progress.BehaviorScore >= levelCfg.Recovery.BehaviorScoreFloor {
			log.WithField("agentID", agentID).Info("Observation period served cleanly, auto-recovering")
			m.fullyRecoverLocked(record)
			continue
		}

		if now.After(record.EndTime) {
			progress := m.progressScoreLocked(record, levelCfg.Recovery)
			switch {
			case levelCfg.Duration.Extendable && progress > 0.5 && len(record.Extensions) < m.config.MaxExtensions:
				m.extendLocked(record, m.config.AutoExtension, "maximum duration reached with recovery in progress")
			default:
				record.Status = StatusPermanent
				log.WithFields(logger.Fields{
					"agentID":  agentID,
					"progress": progress,
				}).Error(logger.DISPLAY_TAG + " Maximum quarantine duration exceeded without recovery, record is permanent")
			}
		}
	}
}

// refreshBehaviorLocked pulls the latest behavior signal into the record
func (m *Manager) refreshBehaviorLocked(record *Record) {
	if m.behavior == nil {
		return
	}

	deviation := m.behavior.DeviationScore(record.AgentID)
	if deviation < 0 {
		deviation = 0
	}
	if deviation > 1 {
		deviation = 1
	}

	record.Progress.BehaviorScore = 1 - deviation
	record.Monitoring.ComplianceScore = 1 - deviation
	record.Monitoring.ActivityLevel = m.behavior.ActivityLevel(record.AgentID)
	record.Monitoring.LastActivity = m.clock.Now()
}
