package syncer

import (
	"context"
	"fmt"
	"time"

	"concord/internal/gateway"
	"concord/internal/metrics"
	"concord/internal/tracing"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// serverState is one server's live state as fetched for a reconciliation
// pass. A fetch failure leaves err set and the server is skipped for the
// pass; it is retried on the next scheduled run.
type serverState struct {
	id      gateway.ServerID
	bans    map[gateway.UserID]bool
	members map[gateway.UserID]*gateway.Member
	err     error
}

// StartReconciler runs Reconcile on a fixed period until the context is
// cancelled.
func (e *Engine) StartReconciler(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("syncer: reconciliation scheduler stopping")
				return
			case <-ticker.C:
				e.Reconcile(ctx)
			}
		}
	}()

	log.Info().Dur("interval", interval).Msg("syncer: reconciliation scheduler started")
}

// Reconcile runs one full comparison pass: every server's live ban list and
// member list against the canonical snapshot, healing drift in both
// directions through the same replicators the event path uses.
func (e *Engine) Reconcile(ctx context.Context) {
	ctx, span := tracing.ReconcileSpan(ctx)
	defer span.End()

	start := time.Now()
	metrics.ReconcilePassesTotal.Inc()

	// Expired canonical timeouts are cleared first so the per-server
	// comparisons below run against normalized state.
	e.expireTimeouts(ctx)

	states := e.fetchServerStates(ctx)

	for _, st := range states {
		if st.err != nil {
			metrics.ReconcileServerSkipsTotal.Inc()
			log.Warn().Err(st.err).
				Str("server", string(st.id)).
				Msg("syncer: skipping server for this pass")
			continue
		}
		e.reconcileServer(ctx, st)
	}

	metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	log.Info().
		Dur("took", time.Since(start)).
		Int("servers", len(states)).
		Msg("syncer: reconciliation pass complete")
}

// expireTimeouts clears canonical timeouts whose expiry has passed,
// propagating the clear so any lingering server-side timeout is removed.
func (e *Engine) expireTimeouts(ctx context.Context) {
	now := time.Now()
	for user, until := range e.timeoutSet() {
		u := until
		if normalizeExpiry(&u, now) != nil {
			continue
		}
		if err := e.SyncTimeout(ctx, user, nil); err != nil {
			log.Error().Err(err).Str("user", string(user)).Msg("syncer: failed to expire timeout")
			continue
		}
		e.logAudit(ctx, AuditEntry{
			Dimension: "timeout",
			User:      user,
			Source:    "reconcile",
			Detail:    "timeout expired",
		})
	}
}

// fetchServerStates fetches every server's ban and member lists. Fetches
// run concurrently; these are the expensive rate-limited calls, and one
// slow server must not serialize behind the others.
func (e *Engine) fetchServerStates(ctx context.Context) []*serverState {
	order := e.serverOrder()
	states := make([]*serverState, len(order))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, id := range order {
		s, ok := e.session(id)
		if !ok {
			continue
		}
		g.Go(func() error {
			states[i] = e.fetchOneServer(gctx, s)
			return nil
		})
	}
	_ = g.Wait()

	// Compact out servers that vanished mid-pass
	out := states[:0]
	for _, st := range states {
		if st != nil {
			out = append(out, st)
		}
	}
	return out
}

func (e *Engine) fetchOneServer(ctx context.Context, s gateway.Session) *serverState {
	st := &serverState{id: s.ID()}

	cctx, cancel := e.callCtx(ctx)
	bans, err := s.ListBans(cctx)
	cancel()
	if err != nil {
		st.err = fmt.Errorf("list bans: %w", err)
		return st
	}
	st.bans = make(map[gateway.UserID]bool, len(bans))
	for _, u := range bans {
		st.bans[u] = true
	}

	cctx, cancel = e.callCtx(ctx)
	members, err := s.ListMembers(cctx)
	cancel()
	if err != nil {
		st.err = fmt.Errorf("list members: %w", err)
		return st
	}
	st.members = make(map[gateway.UserID]*gateway.Member, len(members))
	for _, m := range members {
		st.members[m.UserID] = m
	}

	return st
}

// reconcileServer compares one server's live state against the canonical
// snapshot and heals every divergence found.
func (e *Engine) reconcileServer(ctx context.Context, st *serverState) {
	s, ok := e.session(st.id)
	if !ok {
		return
	}

	// Server-local bans absent from canonical state are newly discovered
	// moderator actions: adopt and propagate.
	for user := range st.bans {
		if e.bannedState(user) {
			continue
		}
		metrics.ReconcileDriftTotal.WithLabelValues("ban").Inc()
		if err := e.SyncBan(ctx, user, true); err != nil {
			log.Error().Err(err).Str("user", string(user)).Msg("syncer: reconcile ban sync failed")
			continue
		}
		e.logAudit(ctx, AuditEntry{
			Dimension: "ban",
			User:      user,
			Server:    st.id,
			Source:    "reconcile",
			Detail:    "discovered local ban",
		})
	}

	// Canonical bans missing locally are drift on this server only:
	// corrected in place.
	for user := range e.banSet() {
		if st.bans[user] {
			continue
		}
		metrics.ReconcileDriftTotal.WithLabelValues("ban").Inc()
		cctx, cancel := e.callCtx(ctx)
		err := s.AddBan(cctx, user)
		cancel()
		if err != nil && !gateway.IsBenign(err) {
			log.Debug().Err(err).
				Str("server", string(st.id)).
				Str("user", string(user)).
				Msg("syncer: reconcile ban reapply failed")
		}
	}

	e.reconcileMembers(ctx, s, st)
}

func (e *Engine) reconcileMembers(ctx context.Context, s gateway.Session, st *serverState) {
	cctx, cancel := e.callCtx(ctx)
	roleID, roleErr := e.mutedRoleID(cctx, s)
	cancel()
	if roleErr != nil {
		log.Debug().Err(roleErr).
			Str("server", string(st.id)).
			Msg("syncer: muted role unavailable, skipping mute reconciliation")
	}

	now := time.Now()
	for user, m := range st.members {
		// Timeouts: a live value that disagrees with canonical is treated
		// as a local mutation, mirroring the event path.
		live := normalizeExpiry(m.TimeoutUntil, now)
		if !timeoutsEqual(live, e.timeoutState(user, now)) {
			e.reconcileTimeout(ctx, s, st.id, user)
		}

		if roleErr != nil {
			continue
		}
		e.reconcileMute(ctx, st.id, user, hasRoleID(m.RoleIDs, roleID))
	}
}

// reconcileTimeout adopts one member's timeout after confirming the
// divergence against a fresh fetch. The pass's member lists were taken
// before earlier servers were healed, so a stale entry must not be adopted
// back as drift.
func (e *Engine) reconcileTimeout(ctx context.Context, s gateway.Session, server gateway.ServerID, user gateway.UserID) {
	cctx, cancel := e.callCtx(ctx)
	fresh, err := s.FetchMember(cctx, user)
	cancel()
	if err != nil {
		log.Debug().Err(err).
			Str("server", string(server)).
			Str("user", string(user)).
			Msg("syncer: reconcile timeout refetch failed")
		return
	}

	now := time.Now()
	live := normalizeExpiry(fresh.TimeoutUntil, now)
	if timeoutsEqual(live, e.timeoutState(user, now)) {
		return
	}

	metrics.ReconcileDriftTotal.WithLabelValues("timeout").Inc()
	if err := e.SyncTimeout(ctx, user, fresh.TimeoutUntil); err != nil {
		log.Error().Err(err).Str("user", string(user)).Msg("syncer: reconcile timeout sync failed")
		return
	}
	e.logAudit(ctx, AuditEntry{
		Dimension: "timeout",
		User:      user,
		Server:    server,
		Source:    "reconcile",
		Detail:    timeoutDetail(live),
	})
}

// reconcileMute applies the origin-authority policy to one member's live
// muted-role state.
func (e *Engine) reconcileMute(ctx context.Context, server gateway.ServerID, user gateway.UserID, has bool) {
	ms, exists := e.muteState(user)

	switch {
	case !exists:
		if !has {
			return
		}
		// Discovery: this server shows the role with no record on file.
		metrics.ReconcileDriftTotal.WithLabelValues("mute").Inc()
		if err := e.SyncMute(ctx, user, true, server); err != nil {
			log.Error().Err(err).Str("user", string(user)).Msg("syncer: reconcile mute discovery failed")
			return
		}
		e.logAudit(ctx, AuditEntry{
			Dimension: "mute",
			User:      user,
			Server:    server,
			Source:    "reconcile",
			Detail:    fmt.Sprintf("discovered muted role, origin=%s", server),
		})

	case server == ms.Origin || !e.hasSession(ms.Origin):
		// The origin decides; a departed origin is re-elected to the first
		// divergent server in sweep order.
		if has == ms.Muted {
			return
		}
		metrics.ReconcileDriftTotal.WithLabelValues("mute").Inc()
		if err := e.SyncMute(ctx, user, has, server); err != nil {
			log.Error().Err(err).Str("user", string(user)).Msg("syncer: reconcile mute sync failed")
			return
		}
		e.logAudit(ctx, AuditEntry{
			Dimension: "mute",
			User:      user,
			Server:    server,
			Source:    "reconcile",
			Detail:    fmt.Sprintf("muted=%t, origin=%s", has, server),
		})

	default:
		if has == ms.Muted {
			return
		}
		metrics.ReconcileDriftTotal.WithLabelValues("mute").Inc()
		e.revertMute(ctx, server, user, ms.Muted)
	}
}
