package syncer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"concord/internal/gateway"
	"concord/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Config holds the engine's tunables.
type Config struct {
	// MutedRoleName is the display name of the muted role on every server.
	MutedRoleName string

	// CallTimeout bounds each per-server fetch or mutation call so one
	// unresponsive server cannot stall a sweep. Defaults to 10 seconds.
	CallTimeout time.Duration
}

// Engine is the replication/reconciliation core. It owns the in-memory
// canonical snapshot, persists every mutation through the snapshot store,
// and converges per-server state through the session layer.
type Engine struct {
	cfg Config

	sessMu   sync.RWMutex
	order    []gateway.ServerID
	sessions map[gateway.ServerID]gateway.Session
	factory  func(gateway.ServerID) gateway.Session

	store    SnapshotStore
	audit    AuditLog
	reporter StatusReporter

	guard *Guard
	locks *keyedMutex

	mu   sync.Mutex
	snap Snapshot

	// Per-server muted role IDs, resolved lazily by display name and
	// invalidated when a role mutation reports the role absent.
	rolesMu sync.Mutex
	roles   map[gateway.ServerID]string
}

// New creates an engine over the given server sessions and loads the
// canonical snapshot from the store. audit and reporter may be nil.
func New(cfg Config, sessions []gateway.Session, store SnapshotStore, audit AuditLog, reporter StatusReporter) (*Engine, error) {
	if cfg.MutedRoleName == "" {
		cfg.MutedRoleName = "Muted"
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 10 * time.Second
	}

	snap, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		sessions: make(map[gateway.ServerID]gateway.Session, len(sessions)),
		store:    store,
		audit:    audit,
		reporter: reporter,
		guard:    NewGuard(),
		locks:    newKeyedMutex(),
		snap:     snap,
		roles:    make(map[gateway.ServerID]string),
	}

	for _, s := range sessions {
		e.sessions[s.ID()] = s
		e.order = append(e.order, s.ID())
	}
	// Stable enumeration order for sweeps
	sort.Slice(e.order, func(i, j int) bool { return e.order[i] < e.order[j] })

	log.Info().
		Int("servers", len(e.order)).
		Int("bans", len(snap.Bans)).
		Int("timeouts", len(snap.Timeouts)).
		Int("mutes", len(snap.Mutes)).
		Msg("syncer: engine initialized")

	return e, nil
}

// SetSessionFactory installs a factory used to build sessions for servers
// the agent joins at runtime.
func (e *Engine) SetSessionFactory(f func(gateway.ServerID) gateway.Session) {
	e.factory = f
}

// AddSession registers a server session. Existing sessions for the same
// server are replaced; the enumeration order stays sorted.
func (e *Engine) AddSession(s gateway.Session) {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()

	if _, ok := e.sessions[s.ID()]; !ok {
		e.order = append(e.order, s.ID())
		sort.Slice(e.order, func(i, j int) bool { return e.order[i] < e.order[j] })
	}
	e.sessions[s.ID()] = s
}

// session returns the session for a server, if registered.
func (e *Engine) session(id gateway.ServerID) (gateway.Session, bool) {
	e.sessMu.RLock()
	defer e.sessMu.RUnlock()
	s, ok := e.sessions[id]
	return s, ok
}

// serverOrder returns the stable sweep order.
func (e *Engine) serverOrder() []gateway.ServerID {
	e.sessMu.RLock()
	defer e.sessMu.RUnlock()
	out := make([]gateway.ServerID, len(e.order))
	copy(out, e.order)
	return out
}

// hasSession reports whether a server is still part of the synced set.
func (e *Engine) hasSession(id gateway.ServerID) bool {
	_, ok := e.session(id)
	return ok
}

// callCtx bounds a single per-server call.
func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.CallTimeout)
}

// persist writes the full canonical snapshot. A persistence failure means
// the in-memory and durable snapshots can diverge, so it is surfaced to the
// caller instead of being swallowed.
func (e *Engine) persist() error {
	e.mu.Lock()
	snap := e.snap.Clone()
	e.mu.Unlock()

	if err := e.store.Replace(snap); err != nil {
		metrics.SnapshotWriteFailuresTotal.Inc()
		log.Error().Err(err).Msg("syncer: failed to persist canonical snapshot")
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	metrics.SnapshotWritesTotal.Inc()
	return nil
}

// bannedState returns the canonical ban flag for a user.
func (e *Engine) bannedState(user gateway.UserID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.Bans[user]
}

// timeoutState returns the canonical timeout expiry, normalized against now.
func (e *Engine) timeoutState(user gateway.UserID, now time.Time) *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.snap.Timeouts[user]
	if !ok {
		return nil
	}
	return normalizeExpiry(&until, now)
}

// muteState returns the canonical mute record for a user.
func (e *Engine) muteState(user gateway.UserID) (MuteState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ms, ok := e.snap.Mutes[user]
	return ms, ok
}

// banSet returns a copy of the canonical banned set.
func (e *Engine) banSet() map[gateway.UserID]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[gateway.UserID]bool, len(e.snap.Bans))
	for u := range e.snap.Bans {
		out[u] = true
	}
	return out
}

// timeoutSet returns a copy of the canonical timeout map.
func (e *Engine) timeoutSet() map[gateway.UserID]time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[gateway.UserID]time.Time, len(e.snap.Timeouts))
	for u, t := range e.snap.Timeouts {
		out[u] = t
	}
	return out
}

// muteSet returns a copy of the canonical mute map.
func (e *Engine) muteSet() map[gateway.UserID]MuteState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[gateway.UserID]MuteState, len(e.snap.Mutes))
	for u, ms := range e.snap.Mutes {
		out[u] = ms
	}
	return out
}

// Gauge accessors for the metrics collector.

// BannedCount returns the size of the canonical banned set.
func (e *Engine) BannedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.snap.Bans)
}

// ActiveTimeoutCount returns the number of unexpired canonical timeouts.
func (e *Engine) ActiveTimeoutCount() int {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, until := range e.snap.Timeouts {
		if until.After(now) {
			n++
		}
	}
	return n
}

// MutedCount returns the number of users muted in canonical state.
func (e *Engine) MutedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ms := range e.snap.Mutes {
		if ms.Muted {
			n++
		}
	}
	return n
}

// ServerCount returns the number of servers being synced.
func (e *Engine) ServerCount() int {
	e.sessMu.RLock()
	defer e.sessMu.RUnlock()
	return len(e.order)
}

// mutedRoleID resolves the muted role on a server, creating it (with no
// permissions) when absent. Results are cached per server.
func (e *Engine) mutedRoleID(ctx context.Context, s gateway.Session) (string, error) {
	e.rolesMu.Lock()
	if id, ok := e.roles[s.ID()]; ok {
		e.rolesMu.Unlock()
		return id, nil
	}
	e.rolesMu.Unlock()

	role, err := s.FindRoleByName(ctx, e.cfg.MutedRoleName)
	if err != nil {
		if !gateway.IsBenign(err) {
			return "", err
		}
		role, err = s.CreateRole(ctx, e.cfg.MutedRoleName)
		if err != nil {
			return "", err
		}
		log.Info().
			Str("server", string(s.ID())).
			Str("role", role.ID).
			Msg("syncer: created muted role")
	}

	e.rolesMu.Lock()
	e.roles[s.ID()] = role.ID
	e.rolesMu.Unlock()
	return role.ID, nil
}

// invalidateRole drops a cached role ID, forcing re-resolution. Called when
// a role mutation reports the role absent (deleted or renamed out from
// under the cache).
func (e *Engine) invalidateRole(server gateway.ServerID) {
	e.rolesMu.Lock()
	delete(e.roles, server)
	e.rolesMu.Unlock()
}

// report emits a best-effort status summary. No-op when unconfigured.
func (e *Engine) report(ctx context.Context, text string) {
	if e.reporter == nil {
		return
	}
	e.reporter.Emit(ctx, text)
}

// logAudit appends a canonical mutation to the audit log, best-effort.
func (e *Engine) logAudit(ctx context.Context, entry AuditEntry) {
	if e.audit == nil {
		return
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	if err := e.audit.LogAction(ctx, entry); err != nil {
		log.Warn().Err(err).
			Str("dimension", entry.Dimension).
			Str("user", string(entry.User)).
			Msg("syncer: failed to write audit entry")
	}
}

// serverList renders a sweep's changed-server list for status summaries.
func serverList(ids []gateway.ServerID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}

// hasRoleID reports whether a role ID is present in a member's role set.
func hasRoleID(roleIDs []string, roleID string) bool {
	for _, id := range roleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}
