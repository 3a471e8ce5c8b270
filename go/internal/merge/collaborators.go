package merge

import (
	"context"

	"github.com/mcdev12/scoresync/go/internal/models"
)

// BackupProvider snapshots a session before it is modified.
type BackupProvider interface {
	CreateBackup(ctx context.Context, sessionID string, reason models.BackupReason) (*models.Backup, error)
}

// HistorySink records structured history entries.
type HistorySink interface {
	Record(ctx context.Context, entry models.HistoryEntry) error
}

// Confirmer asks the user to approve the items an additive merge would add.
type Confirmer interface {
	ConfirmMerge(ctx context.Context, plan models.MergePlan) (bool, error)
}

type NoopBackupProvider struct{}

func (NoopBackupProvider) CreateBackup(context.Context, string, models.BackupReason) (*models.Backup, error) {
	return nil, nil
}

type NoopHistorySink struct{}

func (NoopHistorySink) Record(context.Context, models.HistoryEntry) error { return nil }

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, plan models.MergePlan) (bool, error)

func (f ConfirmFunc) ConfirmMerge(ctx context.Context, plan models.MergePlan) (bool, error) {
	return f(ctx, plan)
}

// AutoConfirm approves every plan.
var AutoConfirm = ConfirmFunc(func(context.Context, models.MergePlan) (bool, error) { return true, nil })
