package models

import (
	"time"

	"github.com/google/uuid"
)

// BackupReason categorises why a session backup was taken.
type BackupReason string

const (
	BackupReasonPreMerge   BackupReason = "pre-merge"
	BackupReasonPreRestore BackupReason = "pre-restore"
	BackupReasonManual     BackupReason = "manual"
)

// Backup is a handle to a stored session snapshot.
type Backup struct {
	ID        uuid.UUID    `json:"id"`
	SessionID string       `json:"session_id"`
	Reason    BackupReason `json:"reason"`
	Size      int          `json:"size"`
	CreatedAt time.Time    `json:"created_at"`
}
