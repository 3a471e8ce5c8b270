// Package merge reconciles a local session snapshot with a room's synced
// document: roster comparison, additive merge and duplicate-question
// folding.
package merge

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/doc"
	"github.com/mcdev12/scoresync/go/internal/models"
	"github.com/mcdev12/scoresync/go/internal/session"
)

// Result describes what an additive merge did.
type Result struct {
	Plan        models.MergePlan
	Backup      *models.Backup
	Declined    bool
	TeamsAdded  int
	BlocksAdded int
}

// Coordinator runs the additive merge workflow.
type Coordinator struct {
	backups   BackupProvider
	history   HistorySink
	confirmer Confirmer
	clock     clockwork.Clock
}

func NewCoordinator(backups BackupProvider, history HistorySink, confirmer Confirmer, clock clockwork.Clock) *Coordinator {
	if backups == nil {
		backups = NoopBackupProvider{}
	}
	if history == nil {
		history = NoopHistorySink{}
	}
	if confirmer == nil {
		confirmer = AutoConfirm
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Coordinator{backups: backups, history: history, confirmer: confirmer, clock: clock}
}

// Plan lists the snapshot's teams and blocks that have no case-insensitive
// name match in the target session.
func Plan(snapshot models.SessionSnapshot, target *session.Session) models.MergePlan {
	return models.MergePlan{
		SessionID: target.ID,
		Teams:     unmatched(snapshot.Teams, target.Teams()),
		Blocks:    unmatched(snapshot.Blocks, target.Blocks()),
	}
}

func unmatched(local, remote []models.RosterItem) []models.RosterItem {
	result := CompareArrays(names(local), names(remote))
	exact := make(map[int]bool, len(result.Matches))
	for _, m := range result.Matches {
		if m.Confidence == models.MatchExact {
			exact[m.LocalIndex] = true
		}
	}
	// Position matches are only a hint for review; an additive merge keeps
	// every local item without an exact counterpart.
	out := make([]models.RosterItem, 0)
	seen := make(map[string]bool)
	for i, item := range local {
		key := nameKey(item.Name)
		if exact[i] || seen[key] || key == "" {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}

func names(items []models.RosterItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Name
	}
	return out
}

// Merge appends the snapshot's unmatched teams and blocks to target after
// the user confirms. A pre-merge backup is attempted first; its failure is
// logged and does not stop the merge. Declining leaves target untouched.
func (c *Coordinator) Merge(ctx context.Context, snapshot models.SessionSnapshot, target *session.Session) (*Result, error) {
	res := &Result{}

	backup, err := c.backups.CreateBackup(ctx, target.ID, models.BackupReasonPreMerge)
	if err != nil {
		log.Warn().Err(err).Str("session_id", target.ID).Msg("Pre-merge backup failed, continuing")
	}
	res.Backup = backup

	res.Plan = Plan(snapshot, target)
	if res.Plan.Empty() {
		return res, nil
	}

	ok, err := c.confirmer.ConfirmMerge(ctx, res.Plan)
	if err != nil {
		return nil, fmt.Errorf("confirm merge: %w", err)
	}
	if !ok {
		res.Declined = true
		log.Info().Str("session_id", target.ID).Msg("Merge declined")
		return res, nil
	}

	err = target.Doc.Transact(doc.OriginMerge, func(tx doc.Txn) error {
		res.TeamsAdded = appendMissing(tx, models.RosterTeams, res.Plan.Teams)
		res.BlocksAdded = appendMissing(tx, models.RosterBlocks, res.Plan.Blocks)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply merge: %w", err)
	}

	entry := models.HistoryEntry{
		ID:        ulid.Make().String(),
		SessionID: target.ID,
		Type:      models.HistoryMerge,
		Data: map[string]any{
			"teamsAdded":  res.TeamsAdded,
			"blocksAdded": res.BlocksAdded,
			"source":      snapshot.SessionID,
		},
		CreatedAt: c.clock.Now(),
	}
	if err := c.history.Record(ctx, entry); err != nil {
		log.Warn().Err(err).Str("session_id", target.ID).Msg("Failed to record merge history")
	}

	log.Info().
		Str("session_id", target.ID).
		Int("teams_added", res.TeamsAdded).
		Int("blocks_added", res.BlocksAdded).
		Msg("Merged local rosters into room")
	return res, nil
}

// appendMissing writes items whose names are not already in the roster as
// read inside tx, so concurrent additions are never duplicated.
func appendMissing(tx doc.Txn, kind models.RosterKind, items []models.RosterItem) int {
	existing := make(map[string]bool)
	for _, item := range session.ReadRoster(tx, kind) {
		existing[nameKey(item.Name)] = true
	}
	order := session.NextOrder(tx, kind)
	added := 0
	for _, item := range items {
		key := nameKey(item.Name)
		if existing[key] {
			continue
		}
		existing[key] = true
		session.WriteRosterItem(tx, kind, models.RosterItem{
			ID:     uuid.NewString(),
			Name:   item.Name,
			Order:  order,
			Fields: item.Fields,
		})
		order++
		added++
	}
	return added
}
