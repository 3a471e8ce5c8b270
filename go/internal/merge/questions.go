package merge

import (
	"sort"

	"github.com/mcdev12/scoresync/go/internal/doc"
	"github.com/mcdev12/scoresync/go/internal/models"
	"github.com/mcdev12/scoresync/go/internal/session"
)

var mergedQuestionFields = []string{
	models.QuestionFieldBlock,
	models.QuestionFieldScore,
	models.QuestionFieldIgnore,
}

// DedupeQuestions collapses questions sharing a name. The survivor keeps
// the smallest id and takes every field from whichever duplicate updated
// that field last. It returns the surviving questions in input order and
// the ids that were folded away.
func DedupeQuestions(questions []models.Question) ([]models.Question, []string) {
	groups := make(map[string][]models.Question)
	var order []string
	for _, q := range questions {
		key := nameKey(q.Name)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], q)
	}

	out := make([]models.Question, 0, len(order))
	var removed []string
	for _, key := range order {
		group := groups[key]
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
		survivor := mergeGroup(group)
		out = append(out, survivor)
		for _, q := range group[1:] {
			removed = append(removed, q.ID)
		}
	}
	return out, removed
}

func mergeGroup(group []models.Question) models.Question {
	survivor := group[0]
	stamps := make(map[string]int64, len(mergedQuestionFields))
	for _, field := range mergedQuestionFields {
		stamps[field] = survivor.FieldTime(field)
	}
	for _, q := range group[1:] {
		for _, field := range mergedQuestionFields {
			ts := q.FieldTime(field)
			if ts <= stamps[field] {
				continue
			}
			stamps[field] = ts
			switch field {
			case models.QuestionFieldBlock:
				survivor.Block = q.Block
			case models.QuestionFieldScore:
				survivor.Score = q.Score
			case models.QuestionFieldIgnore:
				survivor.Ignore = q.Ignore
			}
		}
	}
	survivor.UpdatedAt = stamps
	return survivor
}

// ReconcileQuestions folds duplicate questions of a session in one
// transaction and returns how many records were removed.
func ReconcileQuestions(sess *session.Session) (int, error) {
	questions := sess.Questions()
	merged, removed := DedupeQuestions(questions)
	if len(removed) == 0 {
		return 0, nil
	}

	gone := make(map[string]bool, len(removed))
	for _, id := range removed {
		gone[id] = true
	}
	touched := make(map[string]bool)
	for _, q := range questions {
		if gone[q.ID] {
			touched[nameKey(q.Name)] = true
		}
	}

	err := sess.Doc.Transact(doc.OriginMerge, func(tx doc.Txn) error {
		for _, id := range removed {
			session.DeleteQuestion(tx, id)
		}
		for _, q := range merged {
			if touched[nameKey(q.Name)] {
				session.WriteQuestion(tx, q)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(removed), nil
}
