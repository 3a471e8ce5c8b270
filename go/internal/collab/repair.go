package collab

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/registry"
	"github.com/mcdev12/scoresync/go/internal/session"
)

// RepairReport counts what a repair pass cleared.
type RepairReport struct {
	Expired    int
	Duplicates int
	Invalid    int
}

// RepairRooms runs at startup over every local session. Room codes older
// than the registry TTL are cleared from the session and the registry; a
// code held by more than one session stays only with the first session in
// creation order; unparsable codes are cleared.
func RepairRooms(ctx context.Context, sessions *session.Store, reg *registry.App, clock clockwork.Clock) (RepairReport, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	var report RepairReport
	now := clock.Now()
	seen := make(map[string]string)

	for _, sess := range sessions.List() {
		cfg := sess.SyncConfig()
		if cfg.Empty() {
			continue
		}
		logger := log.With().Str("session_id", sess.ID).Str("room_code", cfg.Room).Logger()

		code, err := registry.ParseCode(cfg.Room)
		if err != nil {
			logger.Warn().Msg("Clearing unparsable room code")
			if err := sess.ClearSyncConfig(); err != nil {
				return report, err
			}
			report.Invalid++
			continue
		}

		if now.Sub(cfg.CreatedAt) > registry.EntryTTL {
			logger.Info().Time("created_at", cfg.CreatedAt).Msg("Clearing expired room code")
			if err := sess.ClearSyncConfig(); err != nil {
				return report, err
			}
			if owned, err := reg.VerifyRoomRegistration(ctx, code, sess.ID); err != nil {
				logger.Warn().Err(err).Msg("Registry unreachable during repair")
			} else if owned {
				if err := reg.DeleteRoom(ctx, code); err != nil {
					logger.Warn().Err(err).Msg("Failed to delete expired registration")
				}
			}
			report.Expired++
			continue
		}

		if first, dup := seen[code.Key()]; dup {
			logger.Info().Str("kept_by", first).Msg("Clearing duplicate room code")
			if err := sess.ClearSyncConfig(); err != nil {
				return report, err
			}
			report.Duplicates++
			continue
		}
		seen[code.Key()] = sess.ID
	}

	if report != (RepairReport{}) {
		log.Info().
			Int("expired", report.Expired).
			Int("duplicates", report.Duplicates).
			Int("invalid", report.Invalid).
			Msg("Repaired stored room codes")
	}
	return report, nil
}
