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

// SyncBan makes the canonical ban flag for a user equal to banned and
// converges every server toward it. Per-server failures are swallowed;
// only a persistence failure is returned.
func (e *Engine) SyncBan(ctx context.Context, user gateway.UserID, banned bool) error {
	ctx, span := tracing.SyncSpan(ctx, "ban", string(user))
	defer span.End()

	unlock := e.locks.lock(user)
	defer unlock()

	e.mu.Lock()
	if banned {
		e.snap.Bans[user] = true
	} else {
		delete(e.snap.Bans, user)
	}
	e.mu.Unlock()

	if err := e.persist(); err != nil {
		tracing.EndWithError(span, err)
		return err
	}

	var changed []gateway.ServerID
	for _, id := range e.serverOrder() {
		s, ok := e.session(id)
		if !ok {
			continue
		}

		cctx, cancel := e.callCtx(ctx)
		applied, err := e.applyBan(cctx, s, user, banned)
		cancel()

		if err != nil {
			metrics.SyncServerErrorsTotal.WithLabelValues("ban").Inc()
			log.Debug().Err(err).
				Str("server", string(id)).
				Str("user", string(user)).
				Bool("banned", banned).
				Msg("syncer: ban sync failed on server")
			continue
		}
		if applied {
			metrics.SyncMutationsTotal.WithLabelValues("ban").Inc()
			changed = append(changed, id)
		}
	}

	if len(changed) > 0 {
		verb := "banned"
		if !banned {
			verb = "unbanned"
		}
		e.report(ctx, fmt.Sprintf("%s %s on: %s", verb, user, serverList(changed)))
	}

	log.Info().
		Str("user", string(user)).
		Bool("banned", banned).
		Int("servers_changed", len(changed)).
		Msg("syncer: ban synced")
	return nil
}

// applyBan converges a single server's ban state for a user. It returns
// true when a mutation was actually issued; a server already in the desired
// state is left untouched and not reported.
func (e *Engine) applyBan(ctx context.Context, s gateway.Session, user gateway.UserID, banned bool) (bool, error) {
	bans, err := s.ListBans(ctx)
	if err != nil {
		return false, fmt.Errorf("list bans: %w", err)
	}

	local := false
	for _, u := range bans {
		if u == user {
			local = true
			break
		}
	}
	if local == banned {
		return false, nil
	}

	if banned {
		err = s.AddBan(ctx, user)
	} else {
		err = s.RemoveBan(ctx, user)
	}
	if err != nil {
		// The mutation API is idempotent; racing into the desired state
		// counts as no change.
		if errors.Is(err, gateway.ErrAlreadyInState) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
