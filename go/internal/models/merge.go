package models

// MatchConfidence records how a local and a remote roster entry were paired.
type MatchConfidence string

const (
	MatchExact    MatchConfidence = "exact"
	MatchPosition MatchConfidence = "position"
)

// MergeCandidate pairs a local roster entry with a remote one.
type MergeCandidate struct {
	LocalName   string          `json:"local_name"`
	RemoteName  string          `json:"remote_name"`
	Confidence  MatchConfidence `json:"confidence"`
	LocalIndex  int             `json:"local_index"`
	RemoteIndex int             `json:"remote_index"`
}

// ComparisonResult is the outcome of comparing two same-kind rosters.
type ComparisonResult struct {
	Matches         []MergeCandidate `json:"matches"`
	UnmatchedLocal  []int            `json:"unmatched_local"`
	UnmatchedRemote []int            `json:"unmatched_remote"`
	NeedsReview     bool             `json:"needs_review"`
}

// MergePlan is what the user confirms before an additive merge runs.
type MergePlan struct {
	SessionID string       `json:"session_id"`
	Teams     []RosterItem `json:"teams"`
	Blocks    []RosterItem `json:"blocks"`
}

// Empty reports whether the plan would add nothing.
func (p MergePlan) Empty() bool {
	return len(p.Teams) == 0 && len(p.Blocks) == 0
}
