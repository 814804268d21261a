// Package syncer implements the moderation replication engine: it derives
// canonical moderation state per user, propagates local changes to every
// server, and periodically reconciles drift.
package syncer

import (
	"context"
	"time"

	"concord/internal/gateway"
)

// MuteState records whether a user should carry the muted role and which
// server is authoritative for that decision.
type MuteState struct {
	Muted  bool             `json:"muted"`
	Origin gateway.ServerID `json:"origin"`
}

// Snapshot is the canonical moderation state for all known users. It is the
// single ground truth: server-local state is only ever compared against it.
type Snapshot struct {
	// Bans holds the global ban set. Presence means "banned everywhere".
	Bans map[gateway.UserID]bool `json:"bans"`

	// Timeouts maps users to the absolute expiry of their communication
	// timeout. Entries are removed once expired.
	Timeouts map[gateway.UserID]time.Time `json:"timeouts"`

	// Mutes tracks the muted-role decision per user. Entries persist with
	// Muted=false after the role is removed, keeping the origin on record.
	Mutes map[gateway.UserID]MuteState `json:"mutes"`
}

// NewSnapshot returns an empty snapshot with all maps allocated.
func NewSnapshot() Snapshot {
	return Snapshot{
		Bans:     make(map[gateway.UserID]bool),
		Timeouts: make(map[gateway.UserID]time.Time),
		Mutes:    make(map[gateway.UserID]MuteState),
	}
}

// Clone returns a deep copy. The engine hands copies to the store so a
// persist in flight never observes a concurrent mutation.
func (s Snapshot) Clone() Snapshot {
	c := NewSnapshot()
	for u, v := range s.Bans {
		c.Bans[u] = v
	}
	for u, v := range s.Timeouts {
		c.Timeouts[u] = v
	}
	for u, v := range s.Mutes {
		c.Mutes[u] = v
	}
	return c
}

// SnapshotStore persists the canonical snapshot.
type SnapshotStore interface {
	// Load returns the persisted snapshot, or an empty one when nothing
	// has been persisted yet. A missing store is not an error.
	Load() (Snapshot, error)

	// Replace atomically overwrites the entire persisted snapshot.
	Replace(Snapshot) error
}

// AuditEntry records one canonical state mutation.
type AuditEntry struct {
	Time      time.Time        `json:"time"`
	Dimension string           `json:"dimension"` // "ban", "timeout", "mute"
	User      gateway.UserID   `json:"user"`
	Server    gateway.ServerID `json:"server,omitempty"` // originating server, when known
	Source    string           `json:"source"`           // "event", "reconcile", "catch-up"
	Detail    string           `json:"detail"`
}

// AuditLog records canonical mutations. Best-effort: failures are logged by
// the engine and never abort a sync.
type AuditLog interface {
	LogAction(ctx context.Context, entry AuditEntry) error
}

// StatusReporter receives human-readable summaries of applied mutations.
// Implementations must swallow their own failures; the engine never depends
// on delivery.
type StatusReporter interface {
	Emit(ctx context.Context, text string)
}

// normalizeExpiry maps an expiry at or before now to nil. All comparison and
// propagation logic runs on normalized values.
func normalizeExpiry(t *time.Time, now time.Time) *time.Time {
	if t == nil || !t.After(now) {
		return nil
	}
	return t
}

// timeoutsEqual compares two normalized expiries with one second of
// tolerance: the session API stores second precision, and duration-relative
// application lands each server within call latency of the target instant.
func timeoutsEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	d := a.Sub(*b)
	if d < 0 {
		d = -d
	}
	return d <= time.Second
}
