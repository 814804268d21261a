package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"concord/internal/gateway"
	"concord/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Run consumes gateway events until the context is cancelled or the channel
// closes. Each event is handled on its own goroutine: the dispatcher must
// keep draining while a sweep is in flight, because a sweep's own writes
// come back as events and the guard can only discard them if they are seen
// while ownership is still held. Per-user locks serialize the actual state
// writes.
func (e *Engine) Run(ctx context.Context, events <-chan gateway.Event) {
	log.Info().Msg("syncer: event dispatcher started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("syncer: event dispatcher stopping")
			return
		case ev, ok := <-events:
			if !ok {
				log.Info().Msg("syncer: event stream closed")
				return
			}
			e.dispatch(ctx, ev)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, ev gateway.Event) {
	switch ev := ev.(type) {
	case gateway.ReadyEvent:
		metrics.GatewayEventsTotal.WithLabelValues("ready").Inc()
		// Drift accumulated while offline is corrected before steady-state
		// event handling begins.
		log.Info().Msg("syncer: session ready, running startup reconciliation")
		e.Reconcile(ctx)
	case gateway.BanAddEvent:
		metrics.GatewayEventsTotal.WithLabelValues("ban_add").Inc()
		go e.handleBanEvent(ctx, ev.Server, ev.User, true)
	case gateway.BanRemoveEvent:
		metrics.GatewayEventsTotal.WithLabelValues("ban_remove").Inc()
		go e.handleBanEvent(ctx, ev.Server, ev.User, false)
	case gateway.MemberUpdateEvent:
		metrics.GatewayEventsTotal.WithLabelValues("member_update").Inc()
		go e.handleMemberUpdate(ctx, ev)
	case gateway.ServerJoinEvent:
		metrics.GatewayEventsTotal.WithLabelValues("server_join").Inc()
		go e.handleServerJoin(ctx, ev.Server)
	default:
		log.Warn().Msgf("syncer: unhandled event type %T", ev)
	}
}

// handleBanEvent reacts to a server-local ban change. The observed state is
// adopted as the new canonical value when it disagrees with the snapshot;
// agreement means the event is stale or an echo of the engine's own write.
func (e *Engine) handleBanEvent(ctx context.Context, server gateway.ServerID, user gateway.UserID, banned bool) {
	if e.bannedState(user) == banned {
		return
	}

	if err := e.SyncBan(ctx, user, banned); err != nil {
		log.Error().Err(err).Str("user", string(user)).Msg("syncer: ban event sync failed")
		return
	}
	e.logAudit(ctx, AuditEntry{
		Dimension: "ban",
		User:      user,
		Server:    server,
		Source:    "event",
		Detail:    fmt.Sprintf("banned=%t", banned),
	})
}

// handleMemberUpdate reacts to timeout and muted-role changes on a member.
func (e *Engine) handleMemberUpdate(ctx context.Context, ev gateway.MemberUpdateEvent) {
	if e.guard.Owned(ev.User) {
		metrics.SyncEchoesSuppressedTotal.Inc()
		return
	}

	now := time.Now()
	newTimeout := normalizeExpiry(ev.New.TimeoutUntil, now)
	if !timeoutsEqual(newTimeout, e.timeoutState(ev.User, now)) {
		if err := e.SyncTimeout(ctx, ev.User, ev.New.TimeoutUntil); err != nil {
			log.Error().Err(err).Str("user", string(ev.User)).Msg("syncer: timeout event sync failed")
		} else {
			e.logAudit(ctx, AuditEntry{
				Dimension: "timeout",
				User:      ev.User,
				Server:    ev.Server,
				Source:    "event",
				Detail:    timeoutDetail(newTimeout),
			})
		}
	}

	e.handleMuteChange(ctx, ev)
}

// handleMuteChange applies the origin-authority policy to an observed role
// delta: discovery claims the observing server as origin, an origin change
// propagates, and a non-origin change is reverted in place.
func (e *Engine) handleMuteChange(ctx context.Context, ev gateway.MemberUpdateEvent) {
	s, ok := e.session(ev.Server)
	if !ok {
		return
	}

	cctx, cancel := e.callCtx(ctx)
	roleID, err := e.mutedRoleID(cctx, s)
	cancel()
	if err != nil {
		log.Debug().Err(err).Str("server", string(ev.Server)).Msg("syncer: cannot resolve muted role for event")
		return
	}

	had := hasRoleID(ev.Old.RoleIDs, roleID)
	has := hasRoleID(ev.New.RoleIDs, roleID)
	if had == has {
		return // some other role changed
	}

	ms, exists := e.muteState(ev.User)
	switch {
	case !exists:
		// Discovery: first observer becomes origin.
		if err := e.SyncMute(ctx, ev.User, has, ev.Server); err != nil {
			log.Error().Err(err).Str("user", string(ev.User)).Msg("syncer: mute discovery sync failed")
			return
		}
		e.logAudit(ctx, AuditEntry{
			Dimension: "mute",
			User:      ev.User,
			Server:    ev.Server,
			Source:    "event",
			Detail:    fmt.Sprintf("discovered muted=%t, origin=%s", has, ev.Server),
		})
	case ev.Server == ms.Origin:
		if has == ms.Muted {
			return
		}
		if err := e.SyncMute(ctx, ev.User, has, ev.Server); err != nil {
			log.Error().Err(err).Str("user", string(ev.User)).Msg("syncer: mute event sync failed")
			return
		}
		e.logAudit(ctx, AuditEntry{
			Dimension: "mute",
			User:      ev.User,
			Server:    ev.Server,
			Source:    "event",
			Detail:    fmt.Sprintf("muted=%t", has),
		})
	default:
		// Non-origin divergence: the origin's decision stands.
		if has == ms.Muted {
			return
		}
		e.revertMute(ctx, ev.Server, ev.User, ms.Muted)
	}
}

// handleServerJoin runs a one-time catch-up sweep against the new server
// only, applying the full canonical snapshot to it.
func (e *Engine) handleServerJoin(ctx context.Context, server gateway.ServerID) {
	if _, ok := e.session(server); !ok {
		if e.factory == nil {
			log.Warn().Str("server", string(server)).Msg("syncer: joined unknown server and no session factory configured")
			return
		}
		e.AddSession(e.factory(server))
		log.Info().Str("server", string(server)).Msg("syncer: registered session for joined server")
	}

	if err := e.CatchUpServer(ctx, server); err != nil {
		log.Warn().Err(err).Str("server", string(server)).Msg("syncer: catch-up sync failed")
	}
}

// CatchUpServer converges a single server toward the full canonical
// snapshot. Used when the agent joins a server that mutated while unwatched.
func (e *Engine) CatchUpServer(ctx context.Context, server gateway.ServerID) error {
	s, ok := e.session(server)
	if !ok {
		return fmt.Errorf("no session for server %s", server)
	}

	applied := 0

	// Bans: apply every canonical ban. Pre-existing local bans unknown to
	// canonical state are discovered by the next reconciliation pass.
	cctx, cancel := e.callCtx(ctx)
	localBans, err := s.ListBans(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("list bans: %w", err)
	}
	localBanned := make(map[gateway.UserID]bool, len(localBans))
	for _, u := range localBans {
		localBanned[u] = true
	}
	for user := range e.banSet() {
		if localBanned[user] {
			continue
		}
		cctx, cancel := e.callCtx(ctx)
		err := s.AddBan(cctx, user)
		cancel()
		if err != nil && !gateway.IsBenign(err) {
			log.Debug().Err(err).Str("user", string(user)).Msg("syncer: catch-up ban failed")
			continue
		}
		applied++
	}

	// Timeouts: apply every unexpired canonical timeout.
	now := time.Now()
	for user, until := range e.timeoutSet() {
		u := until
		if normalizeExpiry(&u, now) == nil {
			continue
		}
		cctx, cancel := e.callCtx(ctx)
		_, err := e.applyTimeout(cctx, s, user, &u)
		cancel()
		if err != nil && !errors.Is(err, gateway.ErrNotFound) {
			log.Debug().Err(err).Str("user", string(user)).Msg("syncer: catch-up timeout failed")
			continue
		}
		applied++
	}

	// Mutes: converge role membership, guarded per user so the resulting
	// member updates are discarded as echoes.
	for user, ms := range e.muteSet() {
		if ms.Origin == server {
			continue
		}
		e.revertMute(ctx, server, user, ms.Muted)
		applied++
	}

	e.logAudit(ctx, AuditEntry{
		Dimension: "server",
		Server:    server,
		Source:    "catch-up",
		Detail:    fmt.Sprintf("applied %d canonical states", applied),
	})
	log.Info().
		Str("server", string(server)).
		Int("applied", applied).
		Msg("syncer: server catch-up complete")
	return nil
}

func timeoutDetail(until *time.Time) string {
	if until == nil {
		return "timeout cleared"
	}
	return "timeout until " + until.UTC().Format(time.RFC3339)
}
