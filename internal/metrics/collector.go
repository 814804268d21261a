package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsSource provides functions to retrieve current counts for gauge metrics.
// Nil functions are skipped.
type StatsSource struct {
	BannedCount        func() int
	ActiveTimeoutCount func() int
	MutedCount         func() int
	ServerCount        func() int
	GatewayConnected   func() bool
}

// StartCollector launches a goroutine that periodically updates gauge metrics.
// It runs every interval until the context is cancelled.
func StartCollector(ctx context.Context, src StatsSource, interval time.Duration) {
	// Do an initial collection immediately
	Collect(src)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				Collect(src)
			}
		}
	}()

	log.Info().Dur("interval", interval).Msg("Metrics collector started")
}

// Collect performs one gauge update from the source.
func Collect(src StatsSource) {
	if src.BannedCount != nil {
		BannedUsersTotal.Set(float64(src.BannedCount()))
	}
	if src.ActiveTimeoutCount != nil {
		ActiveTimeoutsTotal.Set(float64(src.ActiveTimeoutCount()))
	}
	if src.MutedCount != nil {
		MutedUsersTotal.Set(float64(src.MutedCount()))
	}
	if src.ServerCount != nil {
		KnownServersTotal.Set(float64(src.ServerCount()))
	}
	if src.GatewayConnected != nil {
		if src.GatewayConnected() {
			GatewayConnectionState.Set(1)
		} else {
			GatewayConnectionState.Set(0)
		}
	}
}
