package models

import "time"

// HistoryEntryType names a structured history entry.
type HistoryEntryType string

const (
	HistoryMerge HistoryEntryType = "sync_merge"
)

// HistoryEntry is one structured entry emitted to the session history.
type HistoryEntry struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Type      HistoryEntryType `json:"type"`
	Data      map[string]any   `json:"data"`
	CreatedAt time.Time        `json:"created_at"`
}
