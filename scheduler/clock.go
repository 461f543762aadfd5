package scheduler

import (
	"sync"
	"time"

	"github.com/beevik/ntp"

	"agent-sentinel/logger"
)

var log = logger.Logger

const (
	// MaxClockDrift defines the maximum allowed deviation from network time
	MaxClockDrift = 500 * time.Millisecond

	// SyncInterval defines how often to re-check external time sources
	SyncInterval = 60 * time.Second
)

// Clock abstracts wall-clock access so round deadlines and monitoring ticks
// are deterministic under test.
type Clock interface {
	Now() time.Time
}

// NtpServerSource lists the external time sources consulted by the network clock.
var NtpServerSource = [3]string{
	"pool.ntp.org",
	"time.google.com",
	"time.cloudflare.com",
}

// NetworkClock is a Clock whose Now is adjusted by an NTP-derived offset.
// Consensus round timestamps from different peers must agree to within
// MaxClockDrift, so every daemon runs one of these.
type NetworkClock struct {
	mutex        sync.RWMutex
	sources      []string
	timeOffset   time.Duration
	lastSyncTime time.Time
	allowedDrift time.Duration
	stopChan     chan struct{}
}

// NewNetworkClock creates a network clock using the default NTP sources
func NewNetworkClock() *NetworkClock {
	clock := &NetworkClock{
		sources:      NtpServerSource[:],
		allowedDrift: MaxClockDrift,
		lastSyncTime: time.Now(),
		stopChan:     make(chan struct{}),
	}
	return clock
}

// Start begins periodic synchronization against the external sources
func (nc *NetworkClock) Start() error {
	go nc.runPeriodicSync()
	log.Info("Network clock synchronization started")
	return nil
}

// Stop halts the periodic synchronization loop
func (nc *NetworkClock) Stop() {
	close(nc.stopChan)
}

func (nc *NetworkClock) runPeriodicSync() {
	nc.syncOnce()
	ticker := time.NewTicker(SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			nc.syncOnce()
		case <-nc.stopChan:
			return
		}
	}
}

// syncOnce queries the configured sources until one answers and records the offset
func (nc *NetworkClock) syncOnce() {
	for _, source := range nc.sources {
		response, err := ntp.Query(source)
		if err != nil {
			log.WithFields(logger.Fields{
				"source": source,
				"error":  err,
			}).Debug("NTP source query failed, trying next source")
			continue
		}

		nc.mutex.Lock()
		nc.timeOffset = response.ClockOffset
		nc.lastSyncTime = time.Now()
		nc.mutex.Unlock()

		log.WithFields(logger.Fields{
			"source": source,
			"offset": response.ClockOffset,
		}).Debug("Synchronized clock against external time source")
		return
	}

	log.Warn("All NTP sources failed, keeping previous clock offset")
}

// Now returns the current time adjusted by the network offset
func (nc *NetworkClock) Now() time.Time {
	nc.mutex.RLock()
	defer nc.mutex.RUnlock()
	return time.Now().Add(nc.timeOffset)
}

// IsTimeValid checks whether a peer timestamp is within the allowed drift
func (nc *NetworkClock) IsTimeValid(timestamp time.Time) bool {
	diff := timestamp.Sub(nc.Now())
	return diff > -nc.allowedDrift && diff < nc.allowedDrift
}

// SystemClock is a plain wall clock without NTP adjustment
type SystemClock struct{}

// Now returns time.Now
func (SystemClock) Now() time.Time {
	return time.Now()
}
