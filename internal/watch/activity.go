// Package watch is the capture-and-relay engine: it persists tracked
// users' messages, runs the summary and heartbeat loops, and relays
// digests to control chats.
package watch

import (
	"sync"
	"time"
)

// ActivityTracker holds the process's last-activity and last-heartbeat
// timestamps. Pure state, safe for concurrent use.
type ActivityTracker struct {
	mu            sync.Mutex
	lastActivity  time.Time
	lastHeartbeat time.Time
}

func NewActivityTracker(now time.Time) *ActivityTracker {
	return &ActivityTracker{lastActivity: now}
}

// MarkActivity records a successful relay and clears heartbeat memory,
// so the next idle period gets a fresh heartbeat.
func (a *ActivityTracker) MarkActivity(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastActivity = now
	a.lastHeartbeat = time.Time{}
}

// MarkHeartbeat records that a heartbeat notice was sent.
func (a *ActivityTracker) MarkHeartbeat(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastHeartbeat = now
}

// ShouldHeartbeat reports whether a heartbeat is due: the process has
// been idle for at least idleThreshold and no heartbeat was sent within
// the current idle period. At most one heartbeat fires per threshold.
func (a *ActivityTracker) ShouldHeartbeat(now time.Time, idleThreshold time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if now.Sub(a.lastActivity) < idleThreshold {
		return false
	}
	if !a.lastHeartbeat.IsZero() && now.Sub(a.lastHeartbeat) < idleThreshold {
		return false
	}
	return true
}

// IdleFor returns how long the process has been without a successful
// relay.
func (a *ActivityTracker) IdleFor(now time.Time) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return now.Sub(a.lastActivity)
}
