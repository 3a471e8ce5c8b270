package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/models"
)

// EntryTTL is how long a registration stays live.
const EntryTTL = 12 * time.Hour

// App is the room registry: it maps room codes to the session that created
// them and expires stale registrations.
type App struct {
	store Store
	clock clockwork.Clock
	ttl   time.Duration
}

// NewApp creates a registry over store.
func NewApp(store Store, clock clockwork.Clock) *App {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &App{store: store, clock: clock, ttl: EntryTTL}
}

// RegisterRoom records that sessionID owns code. Registering again
// overwrites the record and refreshes its creation time.
func (a *App) RegisterRoom(ctx context.Context, code Code, sessionID string, hasPassword bool) error {
	record := models.RegistryRecord{
		SessionID:   sessionID,
		CreatedAt:   a.clock.Now().UnixMilli(),
		HasPassword: hasPassword,
	}
	if err := a.store.Put(ctx, code.Key(), record); err != nil {
		return fmt.Errorf("register room %s: %w", code, err)
	}
	log.Debug().
		Str("room_code", code.Display()).
		Str("session_id", sessionID).
		Bool("has_password", hasPassword).
		Msg("Registered room")
	return nil
}

// LookupRoom returns the live entry for code, or nil when there is none.
// Expired entries are deleted on the way out.
func (a *App) LookupRoom(ctx context.Context, code Code) (*models.RoomRegistryEntry, error) {
	record, err := a.store.Get(ctx, code.Key())
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup room %s: %w", code, err)
	}

	entry := record.ToEntry(code.Value, code.Kind)
	if entry.Expired(a.clock.Now(), a.ttl) {
		if err := a.store.Delete(ctx, code.Key()); err != nil {
			log.Warn().Err(err).Str("room_code", code.Display()).Msg("Failed to delete expired registry entry")
		}
		return nil, nil
	}
	return entry, nil
}

// VerifyRoomRegistration reports whether code is live and owned by
// expectedSessionID.
func (a *App) VerifyRoomRegistration(ctx context.Context, code Code, expectedSessionID string) (bool, error) {
	entry, err := a.LookupRoom(ctx, code)
	if err != nil {
		return false, err
	}
	return entry != nil && entry.SessionID == expectedSessionID, nil
}

// DeleteRoom removes a registration.
func (a *App) DeleteRoom(ctx context.Context, code Code) error {
	if err := a.store.Delete(ctx, code.Key()); err != nil {
		return fmt.Errorf("delete room %s: %w", code, err)
	}
	return nil
}

// ListRooms returns the live entries ordered by creation time.
func (a *App) ListRooms(ctx context.Context) ([]*models.RoomRegistryEntry, error) {
	records, err := a.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	now := a.clock.Now()
	entries := make([]*models.RoomRegistryEntry, 0, len(records))
	for key, record := range records {
		code, err := CodeFromKey(key)
		if err != nil {
			continue
		}
		entry := record.ToEntry(code.Value, code.Kind)
		if entry.Expired(now, a.ttl) {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// CleanupExpiredRegistryEntries deletes every expired or malformed entry
// and returns how many were removed.
func (a *App) CleanupExpiredRegistryEntries(ctx context.Context) (int, error) {
	records, err := a.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list rooms: %w", err)
	}
	now := a.clock.Now()
	removed := 0
	for key, record := range records {
		code, err := CodeFromKey(key)
		stale := err != nil
		if !stale {
			stale = record.ToEntry(code.Value, code.Kind).Expired(now, a.ttl)
		}
		if !stale {
			continue
		}
		if err := a.store.Delete(ctx, key); err != nil {
			return removed, fmt.Errorf("delete %s: %w", key, err)
		}
		removed++
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("Cleaned up expired registry entries")
	}
	return removed, nil
}

// RunCleanup sweeps expired entries every interval until ctx is done.
func (a *App) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := a.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := a.CleanupExpiredRegistryEntries(ctx); err != nil {
				log.Error().Err(err).Msg("Registry cleanup failed")
			}
		}
	}
}
