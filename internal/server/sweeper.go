// Command expiry sweep.
package server

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetrack/fleetrack/internal/models"
)

// StartSweeper runs the periodic expiry sweep until ctx is cancelled.
// Sweep failures are logged and retried on the next tick, never surfaced to
// clients.
func StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(conf.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := SweepExpiredCommands(conf.CommandTTL); err != nil {
					log.Error().Str("component", "sweep").Err(err).Msg("expiry sweep failed")
				} else if n > 0 {
					log.Info().Str("component", "sweep").Int64("expired", n).Msg("commands expired")
				}
			}
		}
	}()
}

// SweepExpiredCommands transitions queued/in_progress commands older than
// ttl to expired. The status condition keeps the sweep from ever touching a
// command a concurrent Report just completed.
func SweepExpiredCommands(ttl time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	res := DB.Model(&models.Command{}).
		Where("status IN ? AND created_at < ?",
			[]models.CommandStatus{models.CommandStatusQueued, models.CommandStatusInProgress},
			cutoff).
		Update("status", models.CommandStatusExpired)
	return res.RowsAffected, res.Error
}
