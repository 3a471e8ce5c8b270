package merge

import (
	"strings"

	"github.com/mcdev12/scoresync/go/internal/models"
)

// CompareArrays pairs two same-kind name lists. Case-insensitive exact
// matches are taken first; remaining entries that sit at the same index on
// both sides are paired by position; everything else is unmatched.
func CompareArrays(local, remote []string) models.ComparisonResult {
	result := models.ComparisonResult{
		Matches:         []models.MergeCandidate{},
		UnmatchedLocal:  []int{},
		UnmatchedRemote: []int{},
	}
	localUsed := make([]bool, len(local))
	remoteUsed := make([]bool, len(remote))

	for i, name := range local {
		key := nameKey(name)
		for j, candidate := range remote {
			if remoteUsed[j] || nameKey(candidate) != key {
				continue
			}
			localUsed[i], remoteUsed[j] = true, true
			result.Matches = append(result.Matches, models.MergeCandidate{
				LocalName:   name,
				RemoteName:  candidate,
				Confidence:  models.MatchExact,
				LocalIndex:  i,
				RemoteIndex: j,
			})
			break
		}
	}

	for i := range local {
		if localUsed[i] || i >= len(remote) || remoteUsed[i] {
			continue
		}
		localUsed[i], remoteUsed[i] = true, true
		result.Matches = append(result.Matches, models.MergeCandidate{
			LocalName:   local[i],
			RemoteName:  remote[i],
			Confidence:  models.MatchPosition,
			LocalIndex:  i,
			RemoteIndex: i,
		})
		result.NeedsReview = true
	}

	for i, used := range localUsed {
		if !used {
			result.UnmatchedLocal = append(result.UnmatchedLocal, i)
		}
	}
	for j, used := range remoteUsed {
		if !used {
			result.UnmatchedRemote = append(result.UnmatchedRemote, j)
		}
	}
	if len(result.UnmatchedLocal) > 0 || len(result.UnmatchedRemote) > 0 {
		result.NeedsReview = true
	}
	return result
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
