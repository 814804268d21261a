package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"concord/internal/gateway"
	"concord/internal/metrics"
	"concord/internal/tracing"

	"github.com/rs/zerolog/log"
)

// SyncTimeout makes the canonical timeout for a user equal to until and
// converges every server toward it. An expiry at or before now is treated
// as "no timeout". Per-server failures are swallowed; only a persistence
// failure is returned.
func (e *Engine) SyncTimeout(ctx context.Context, user gateway.UserID, until *time.Time) error {
	ctx, span := tracing.SyncSpan(ctx, "timeout", string(user))
	defer span.End()

	until = normalizeExpiry(until, time.Now())

	unlock := e.locks.lock(user)
	defer unlock()

	e.mu.Lock()
	if until == nil {
		delete(e.snap.Timeouts, user)
	} else {
		e.snap.Timeouts[user] = *until
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
		applied, err := e.applyTimeout(cctx, s, user, until)
		cancel()

		if err != nil {
			if errors.Is(err, gateway.ErrNotFound) {
				continue // not a member of this server
			}
			metrics.SyncServerErrorsTotal.WithLabelValues("timeout").Inc()
			log.Debug().Err(err).
				Str("server", string(id)).
				Str("user", string(user)).
				Msg("syncer: timeout sync failed on server")
			continue
		}
		if applied {
			metrics.SyncMutationsTotal.WithLabelValues("timeout").Inc()
			changed = append(changed, id)
		}
	}

	if len(changed) > 0 {
		if until == nil {
			e.report(ctx, fmt.Sprintf("cleared timeout for %s on: %s", user, serverList(changed)))
		} else {
			e.report(ctx, fmt.Sprintf("timed out %s until %s on: %s",
				user, until.UTC().Format(time.RFC3339), serverList(changed)))
		}
	}

	log.Info().
		Str("user", string(user)).
		Int("servers_changed", len(changed)).
		Msg("syncer: timeout synced")
	return nil
}

// applyTimeout converges a single server's timeout for a user. The timeout
// is expressed to the session API as a duration from now, recomputed per
// call, so propagation delay does not stretch the effective expiry.
func (e *Engine) applyTimeout(ctx context.Context, s gateway.Session, user gateway.UserID, until *time.Time) (bool, error) {
	m, err := s.FetchMember(ctx, user)
	if err != nil {
		return false, err
	}

	now := time.Now()
	live := normalizeExpiry(m.TimeoutUntil, now)
	if timeoutsEqual(live, until) {
		return false, nil
	}

	if until == nil {
		if err := s.SetTimeout(ctx, user, nil); err != nil {
			return false, err
		}
		return true, nil
	}

	d := until.Sub(now)
	if d <= 0 {
		return false, nil
	}
	if err := s.SetTimeout(ctx, user, &d); err != nil {
		return false, err
	}
	return true, nil
}
