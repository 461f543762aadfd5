// Package behavior collects per-agent conduct observations and turns them
// into the deviation signal the quarantine monitor consumes.
package behavior

import (
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	"agent-sentinel/logger"
	"agent-sentinel/quarantine"
	"agent-sentinel/scheduler"

	_ "github.com/mattn/go-sqlite3"
)

var log = logger.Logger

// Observation is one recorded conduct sample for an agent
type Observation struct {
	AgentID   string    `json:"agentId"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// metricStats keeps running mean/variance per metric (Welford) plus the
// latest sample, so deviation scoring never rescans history.
type metricStats struct {
	count  int
	mean   float64
	m2     float64
	latest float64
}

func (ms *metricStats) update(value float64) {
	ms.count++
	delta := value - ms.mean
	ms.mean += delta / float64(ms.count)
	ms.m2 += delta * (value - ms.mean)
	ms.latest = value
}

func (ms *metricStats) stddev() float64 {
	if ms.count < 2 {
		return 0
	}
	return math.Sqrt(ms.m2 / float64(ms.count-1))
}

type agentStats struct {
	metrics      map[string]*metricStats
	recentTimes  []time.Time
	pendingFlags []quarantine.FlaggedEvent
}

// Service stores observations in SQLite and serves deviation, activity and
// flagged-event queries over the in-memory rolling statistics.
type Service struct {
	mutex sync.Mutex
	db    *sql.DB
	clock scheduler.Clock

	agents map[string]*agentStats

	// Metrics need this many samples before they contribute to deviation.
	minSamples int
	// Deviations at or beyond this many standard deviations score 1.0.
	zCap float64
	// Observations per activityWindow that count as full activity.
	activityTarget int
	activityWindow time.Duration
	// Auto-flag threshold in standard deviations.
	flagThreshold float64
}

// NewService opens the behavior database and creates its tables
func NewService(dbPath string, clock scheduler.Clock) (*Service, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open behavior database: %w", err)
	}

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		metric TEXT NOT NULL,
		value REAL NOT NULL,
		timestamp INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_observations_agent ON observations(agent_id, timestamp);

	CREATE TABLE IF NOT EXISTS flagged_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		type TEXT NOT NULL,
		description TEXT NOT NULL,
		severity TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_flagged_agent ON flagged_events(agent_id, timestamp);
	`
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create behavior tables: %w", err)
	}

	if clock == nil {
		clock = scheduler.SystemClock{}
	}

	return &Service{
		db:             db,
		clock:          clock,
		agents:         make(map[string]*agentStats),
		minSamples:     5,
		zCap:           4.0,
		activityTarget: 12,
		activityWindow: time.Hour,
		flagThreshold:  3.0,
	}, nil
}

// Close closes the behavior database
func (s *Service) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *Service) statsFor(agentID string) *agentStats {
	stats, ok := s.agents[agentID]
	if !ok {
		stats = &agentStats{metrics: make(map[string]*metricStats)}
		s.agents[agentID] = stats
	}
	return stats
}

// RecordObservation stores one conduct sample and updates the rolling
// statistics. Samples far outside the agent's own baseline are auto-flagged.
func (s *Service) RecordObservation(agentID, metric string, value float64) error {
	now := s.clock.Now()

	s.mutex.Lock()
	stats := s.statsFor(agentID)
	ms, ok := stats.metrics[metric]
	if !ok {
		ms = &metricStats{}
		stats.metrics[metric] = ms
	}

	var flagged bool
	if ms.count >= s.minSamples {
		if stddev := ms.stddev(); stddev > 0 && math.Abs(value-ms.mean)/stddev >= s.flagThreshold {
			flagged = true
		}
	}

	ms.update(value)
	stats.recentTimes = append(stats.recentTimes, now)
	s.pruneActivityLocked(stats, now)
	s.mutex.Unlock()

	insertSQL := `INSERT INTO observations (agent_id, metric, value, timestamp) VALUES (?, ?, ?, ?)`
	if _, err := s.db.Exec(insertSQL, agentID, metric, value, now.UnixNano()); err != nil {
		return fmt.Errorf("failed to store observation: %w", err)
	}

	if flagged {
		s.Flag(agentID, "behavioral_anomaly",
			fmt.Sprintf("metric %s deviated sharply from baseline (value %.3f)", metric, value),
			quarantine.SeverityModerate, nil)
	}

	return nil
}

// Flag records an anomaly for the quarantine monitor to pick up
func (s *Service) Flag(agentID, eventType, description string, severity quarantine.Severity, evidenceIDs []string) {
	event := quarantine.FlaggedEvent{
		Type:        eventType,
		Description: description,
		Severity:    severity,
		EvidenceIDs: evidenceIDs,
	}

	s.mutex.Lock()
	stats := s.statsFor(agentID)
	stats.pendingFlags = append(stats.pendingFlags, event)
	s.mutex.Unlock()

	insertSQL := `INSERT INTO flagged_events (agent_id, type, description, severity, timestamp) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.Exec(insertSQL, agentID, eventType, description, string(severity), s.clock.Now().UnixNano()); err != nil {
		log.WithError(err).Error("Failed to store flagged event")
	}

	log.WithFields(logger.Fields{
		"agentID":  agentID,
		"type":     eventType,
		"severity": severity,
	}).Warn("Behavior anomaly flagged")
}

// DeviationScore reports how far the agent's latest conduct sits from its
// own baseline, in [0,1]. Agents without enough history score 0.
func (s *Service) DeviationScore(agentID string) float64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stats, ok := s.agents[agentID]
	if !ok {
		return 0
	}

	var total float64
	var scored int
	for _, ms := range stats.metrics {
		if ms.count < s.minSamples {
			continue
		}
		stddev := ms.stddev()
		if stddev == 0 {
			scored++
			continue
		}
		z := math.Abs(ms.latest-ms.mean) / stddev
		total += math.Min(1, z/s.zCap)
		scored++
	}

	if scored == 0 {
		return 0
	}
	return total / float64(scored)
}

// ActivityLevel reports observation throughput over the activity window,
// capped at 1.
func (s *Service) ActivityLevel(agentID string) float64 {
	now := s.clock.Now()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	stats, ok := s.agents[agentID]
	if !ok {
		return 0
	}
	s.pruneActivityLocked(stats, now)

	level := float64(len(stats.recentTimes)) / float64(s.activityTarget)
	return math.Min(1, level)
}

// FlaggedEvents drains the pending anomaly flags for an agent
func (s *Service) FlaggedEvents(agentID string) []quarantine.FlaggedEvent {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stats, ok := s.agents[agentID]
	if !ok || len(stats.pendingFlags) == 0 {
		return nil
	}
	events := stats.pendingFlags
	stats.pendingFlags = nil
	return events
}

func (s *Service) pruneActivityLocked(stats *agentStats, now time.Time) {
	cutoff := now.Add(-s.activityWindow)
	kept := stats.recentTimes[:0]
	for _, t := range stats.recentTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	stats.recentTimes = kept
}

// ObservationsByTimeRange retrieves stored observations for an agent
func (s *Service) ObservationsByTimeRange(agentID string, startTime, endTime time.Time) ([]Observation, error) {
	selectSQL := `
	SELECT agent_id, metric, value, timestamp
	FROM observations
	WHERE agent_id = ? AND timestamp BETWEEN ? AND ?
	ORDER BY timestamp DESC
	`

	rows, err := s.db.Query(selectSQL, agentID, startTime.UnixNano(), endTime.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Observation
	for rows.Next() {
		var obs Observation
		var ts int64
		if err := rows.Scan(&obs.AgentID, &obs.Metric, &obs.Value, &ts); err != nil {
			return nil, err
		}
		obs.Timestamp = time.Unix(0, ts)
		results = append(results, obs)
	}
	return results, rows.Err()
}

// ObservationCount returns the total number of stored observations
func (s *Service) ObservationCount() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM observations").Scan(&count)
	return count, err
}
