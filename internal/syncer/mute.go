package syncer

import (
	"context"
	"errors"
	"fmt"

	"concord/internal/gateway"
	"concord/internal/metrics"
	"concord/internal/tracing"

	"github.com/rs/zerolog/log"
)

// SyncMute makes the canonical mute record for a user equal to
// {muted, origin} and converges every server except the origin toward it.
// The origin server already reflects the change it reported; mutating it
// again would only generate another echo.
//
// The sweep runs under guard ownership so that the engine's own role writes,
// observed back as member updates, are discarded instead of re-propagated.
func (e *Engine) SyncMute(ctx context.Context, user gateway.UserID, muted bool, origin gateway.ServerID) error {
	if e.guard.Owned(user) {
		metrics.SyncEchoesSuppressedTotal.Inc()
		return nil
	}

	ctx, span := tracing.SyncSpan(ctx, "mute", string(user))
	defer span.End()

	unlock := e.locks.lock(user)
	defer unlock()

	e.guard.Begin(user)
	defer e.guard.End(user)

	e.mu.Lock()
	e.snap.Mutes[user] = MuteState{Muted: muted, Origin: origin}
	e.mu.Unlock()

	if err := e.persist(); err != nil {
		tracing.EndWithError(span, err)
		return err
	}

	var changed []gateway.ServerID
	for _, id := range e.serverOrder() {
		if id == origin {
			continue
		}
		s, ok := e.session(id)
		if !ok {
			continue
		}

		cctx, cancel := e.callCtx(ctx)
		applied, err := e.applyMute(cctx, s, user, muted)
		cancel()

		if err != nil {
			if errors.Is(err, gateway.ErrNotFound) {
				continue // not a member of this server
			}
			metrics.SyncServerErrorsTotal.WithLabelValues("mute").Inc()
			log.Debug().Err(err).
				Str("server", string(id)).
				Str("user", string(user)).
				Bool("muted", muted).
				Msg("syncer: mute sync failed on server")
			continue
		}
		if applied {
			metrics.SyncMutationsTotal.WithLabelValues("mute").Inc()
			changed = append(changed, id)
		}
	}

	if len(changed) > 0 {
		verb := "muted"
		if !muted {
			verb = "unmuted"
		}
		e.report(ctx, fmt.Sprintf("%s %s on: %s", verb, user, serverList(changed)))
	}

	log.Info().
		Str("user", string(user)).
		Bool("muted", muted).
		Str("origin", string(origin)).
		Int("servers_changed", len(changed)).
		Msg("syncer: mute synced")
	return nil
}

// applyMute converges a single server's muted-role membership for a user.
func (e *Engine) applyMute(ctx context.Context, s gateway.Session, user gateway.UserID, muted bool) (bool, error) {
	roleID, err := e.mutedRoleID(ctx, s)
	if err != nil {
		return false, fmt.Errorf("resolve muted role: %w", err)
	}

	m, err := s.FetchMember(ctx, user)
	if err != nil {
		return false, err
	}

	if hasRoleID(m.RoleIDs, roleID) == muted {
		return false, nil
	}

	if muted {
		err = s.AddRole(ctx, user, roleID)
	} else {
		err = s.RemoveRole(ctx, user, roleID)
	}
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			// Role deleted or renamed since it was cached
			e.invalidateRole(s.ID())
		}
		if errors.Is(err, gateway.ErrAlreadyInState) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// revertMute corrects a non-origin divergence in place: the server that
// drifted is pushed back to the canonical value, and canonical state is left
// untouched. The revert runs guarded so its own echo is discarded.
func (e *Engine) revertMute(ctx context.Context, server gateway.ServerID, user gateway.UserID, muted bool) {
	if e.guard.Owned(user) {
		metrics.SyncEchoesSuppressedTotal.Inc()
		return
	}

	unlock := e.locks.lock(user)
	defer unlock()

	e.guard.Begin(user)
	defer e.guard.End(user)

	s, ok := e.session(server)
	if !ok {
		return
	}

	cctx, cancel := e.callCtx(ctx)
	applied, err := e.applyMute(cctx, s, user, muted)
	cancel()

	if err != nil {
		metrics.SyncServerErrorsTotal.WithLabelValues("mute").Inc()
		log.Debug().Err(err).
			Str("server", string(server)).
			Str("user", string(user)).
			Msg("syncer: mute revert failed")
		return
	}
	if applied {
		metrics.SyncRevertsTotal.Inc()
		log.Info().
			Str("server", string(server)).
			Str("user", string(user)).
			Bool("muted", muted).
			Msg("syncer: reverted non-origin mute change")
	}
}
