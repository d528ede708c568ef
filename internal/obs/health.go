package obs

import (
	"sync"
	"time"

	"mdstore/internal/model/enum"
)

// Health tracks whether the durable log is accepting writes. While degraded,
// cached reads may be stale relative to the feed.
type Health struct {
	mu                sync.RWMutex
	status            enum.HealthStatus
	lastFault         time.Time
	lastError         string
	consecutiveFaults uint64
	totalFaults       uint64
	lastCommit        time.Time
}

// HealthSnapshot is a point-in-time view of Health.
type HealthSnapshot struct {
	Status            enum.HealthStatus `json:"-"`
	State             string            `json:"status"`
	LastFault         time.Time         `json:"lastFault,omitzero"`
	LastError         string            `json:"lastError,omitempty"`
	ConsecutiveFaults uint64            `json:"consecutiveFaults"`
	TotalFaults       uint64            `json:"totalFaults"`
	LastCommit        time.Time         `json:"lastCommit,omitzero"`
}

// Staleness returns how long ago the last successful commit happened.
func (s HealthSnapshot) Staleness(now time.Time) time.Duration {
	if s.LastCommit.IsZero() {
		return 0
	}
	return now.Sub(s.LastCommit)
}

// NewHealth returns a tracker in the OK state.
func NewHealth() *Health {
	return &Health{status: enum.HealthOK}
}

// Commit records a successful durable commit and clears a degraded state.
func (h *Health) Commit(at time.Time) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.status = enum.HealthOK
	h.consecutiveFaults = 0
	h.lastCommit = at
	h.mu.Unlock()
}

// Fault records a durable log failure.
func (h *Health) Fault(err error, at time.Time) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.status = enum.HealthDegraded
	h.consecutiveFaults++
	h.totalFaults++
	h.lastFault = at
	if err != nil {
		h.lastError = err.Error()
	}
	h.mu.Unlock()
}

// Snapshot returns the current health.
func (h *Health) Snapshot() HealthSnapshot {
	if h == nil {
		return HealthSnapshot{Status: enum.HealthUnknown, State: enum.HealthUnknown.String()}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		Status:            h.status,
		State:             h.status.String(),
		LastFault:         h.lastFault,
		LastError:         h.lastError,
		ConsecutiveFaults: h.consecutiveFaults,
		TotalFaults:       h.totalFaults,
		LastCommit:        h.lastCommit,
	}
}
