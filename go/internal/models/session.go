package models

import "time"

// JoinChoice selects how a client enters a room.
type JoinChoice string

const (
	JoinChoiceCreate JoinChoice = "create"
	JoinChoiceJoin   JoinChoice = "join"
	JoinChoiceMerge  JoinChoice = "merge"
)

// Valid reports whether c is one of the known join choices.
func (c JoinChoice) Valid() bool {
	switch c {
	case JoinChoiceCreate, JoinChoiceJoin, JoinChoiceMerge:
		return true
	}
	return false
}

// SyncConfig holds the room metadata a session persists in its document so
// it survives reconnects and restarts.
type SyncConfig struct {
	Room              string     `json:"syncRoom"`
	CreatedAt         time.Time  `json:"syncCreatedAt"`
	SessionID         string     `json:"syncSessionId"`
	JoinChoice        JoinChoice `json:"syncJoinChoice"`
	EffectivePassword string     `json:"syncEffectivePassword"`
	HasCustomPassword bool       `json:"syncHasCustomPassword"`
}

// Empty reports whether no room is stored.
func (c SyncConfig) Empty() bool {
	return c.Room == ""
}

// RosterKind distinguishes the two additive-mergeable rosters.
type RosterKind string

const (
	RosterTeams  RosterKind = "teams"
	RosterBlocks RosterKind = "blocks"
)

// RosterItem is a team or a block: a named record with free-form fields.
type RosterItem struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Order  int            `json:"order"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Question is a graded item. Each mergeable field carries its own update
// timestamp (epoch ms) so duplicates can be reconciled field by field.
type Question struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Order     int              `json:"order"`
	Block     int              `json:"block"`
	Score     float64          `json:"score"`
	Ignore    bool             `json:"ignore"`
	UpdatedAt map[string]int64 `json:"updatedAt,omitempty"`
}

// Question field names used for per-field timestamps.
const (
	QuestionFieldBlock  = "block"
	QuestionFieldScore  = "score"
	QuestionFieldIgnore = "ignore"
)

// FieldTime returns the update time of field, zero when unknown.
func (q Question) FieldTime(field string) int64 {
	if q.UpdatedAt == nil {
		return 0
	}
	return q.UpdatedAt[field]
}

// SessionSnapshot is the local roster captured before a merge join.
type SessionSnapshot struct {
	SessionID string       `json:"session_id"`
	Teams     []RosterItem `json:"teams"`
	Blocks    []RosterItem `json:"blocks"`
	Questions []Question   `json:"questions"`
	TakenAt   time.Time    `json:"taken_at"`
}
