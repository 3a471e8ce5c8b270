package merge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/scoresync/go/internal/doc"
	"github.com/mcdev12/scoresync/go/internal/models"
	"github.com/mcdev12/scoresync/go/internal/session"
)

func TestCompareArraysExactOnly(t *testing.T) {
	res := CompareArrays([]string{"Owls", "bears"}, []string{"BEARS", " owls "})
	assert.Equal(t, len(res.Matches), 2)
	for _, m := range res.Matches {
		assert.Equal(t, m.Confidence, models.MatchExact)
	}
	assert.Equal(t, res.Matches[0].RemoteIndex, 1)
	assert.Equal(t, len(res.UnmatchedLocal), 0)
	assert.Equal(t, len(res.UnmatchedRemote), 0)
	assert.Equal(t, res.NeedsReview, false)
}

func TestCompareArraysPositionOnly(t *testing.T) {
	res := CompareArrays([]string{"Team 1", "Team 2"}, []string{"Red", "Blue", "Green"})
	assert.Equal(t, len(res.Matches), 2)
	assert.Equal(t, res.Matches[0].Confidence, models.MatchPosition)
	assert.Equal(t, res.Matches[1].LocalIndex, 1)
	assert.Equal(t, res.Matches[1].RemoteIndex, 1)
	assert.Equal(t, res.UnmatchedLocal, []int{})
	assert.Equal(t, res.UnmatchedRemote, []int{2})
	assert.Equal(t, res.NeedsReview, true)
}

func TestCompareArraysMixed(t *testing.T) {
	res := CompareArrays([]string{"A", "B", "C"}, []string{"x", "a"})
	// A takes remote 1 exactly, so B has no free slot at its own index.
	assert.Equal(t, len(res.Matches), 1)
	assert.Equal(t, res.Matches[0].Confidence, models.MatchExact)
	assert.Equal(t, res.Matches[0].RemoteIndex, 1)
	assert.Equal(t, res.UnmatchedLocal, []int{1, 2})
	assert.Equal(t, res.UnmatchedRemote, []int{0})
	assert.Equal(t, res.NeedsReview, true)
}

func TestDedupeQuestionsPerField(t *testing.T) {
	a := models.Question{
		ID: "a", Name: "Q1", Block: 0, Score: 5,
		UpdatedAt: map[string]int64{models.QuestionFieldBlock: 100, models.QuestionFieldScore: 50},
	}
	b := models.Question{
		ID: "b", Name: "q1", Block: 1, Score: 9,
		UpdatedAt: map[string]int64{models.QuestionFieldBlock: 80, models.QuestionFieldScore: 120},
	}
	other := models.Question{ID: "c", Name: "Q2", Score: 3}

	merged, removed := DedupeQuestions([]models.Question{b, other, a})
	assert.Equal(t, removed, []string{"b"})
	assert.Equal(t, len(merged), 2)
	assert.Equal(t, merged[0].ID, "a")
	assert.Equal(t, merged[0].Block, 0)
	assert.Equal(t, merged[0].Score, float64(9))
	assert.Equal(t, merged[0].UpdatedAt[models.QuestionFieldScore], int64(120))
	assert.Equal(t, merged[1].ID, "c")
}

func TestReconcileQuestionsInDocument(t *testing.T) {
	store := session.NewStore(clockwork.NewFakeClock())
	sess := store.Create()
	assert.Equal(t, sess.Doc.Transact(doc.OriginLocal, func(tx doc.Txn) error {
		session.WriteQuestion(tx, models.Question{ID: "a", Name: "Q1", Block: 0, Score: 5,
			UpdatedAt: map[string]int64{models.QuestionFieldBlock: 100, models.QuestionFieldScore: 50}})
		session.WriteQuestion(tx, models.Question{ID: "b", Name: "Q1", Block: 1, Score: 9,
			UpdatedAt: map[string]int64{models.QuestionFieldBlock: 80, models.QuestionFieldScore: 120}})
		return nil
	}), nil)

	n, err := ReconcileQuestions(sess)
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 1)

	qs := sess.Questions()
	assert.Equal(t, len(qs), 1)
	assert.Equal(t, qs[0].Block, 0)
	assert.Equal(t, qs[0].Score, float64(9))
}

type recordingHistory struct {
	entries []models.HistoryEntry
}

func (r *recordingHistory) Record(_ context.Context, entry models.HistoryEntry) error {
	r.entries = append(r.entries, entry)
	return nil
}

type failingBackups struct{ calls int }

func (f *failingBackups) CreateBackup(context.Context, string, models.BackupReason) (*models.Backup, error) {
	f.calls++
	return nil, errors.New("disk full")
}

func newMergeFixture(t *testing.T) (models.SessionSnapshot, *session.Session) {
	t.Helper()
	store := session.NewStore(clockwork.NewFakeClock())

	local := store.Create()
	for _, name := range []string{"Owls", "Bears", "Foxes"} {
		_, err := local.AddRosterItem(models.RosterTeams, name, map[string]any{"color": name})
		assert.Equal(t, err, nil)
	}
	_, err := local.AddRosterItem(models.RosterBlocks, "Round 1", nil)
	assert.Equal(t, err, nil)
	snapshot := local.Snapshot(time.Now())

	room := store.Create()
	for _, name := range []string{"owls", "Hawks"} {
		_, err := room.AddRosterItem(models.RosterTeams, name, nil)
		assert.Equal(t, err, nil)
	}
	_, err = room.AddRosterItem(models.RosterBlocks, "round 1", nil)
	assert.Equal(t, err, nil)
	return snapshot, room
}

func TestMergeAddsConfirmedUnmatched(t *testing.T) {
	snapshot, room := newMergeFixture(t)
	history := &recordingHistory{}
	backups := &failingBackups{}
	var shown models.MergePlan
	confirm := ConfirmFunc(func(_ context.Context, plan models.MergePlan) (bool, error) {
		shown = plan
		return true, nil
	})

	res, err := NewCoordinator(backups, history, confirm, clockwork.NewFakeClock()).Merge(context.Background(), snapshot, room)
	assert.Equal(t, err, nil)
	assert.Equal(t, backups.calls, 1)
	assert.Equal(t, len(shown.Teams), 2)
	assert.Equal(t, len(shown.Blocks), 0)
	assert.Equal(t, res.TeamsAdded, 2)
	assert.Equal(t, res.BlocksAdded, 0)

	var got []string
	for _, team := range room.Teams() {
		got = append(got, team.Name)
	}
	assert.Equal(t, got, []string{"owls", "Hawks", "Bears", "Foxes"})
	assert.Equal(t, room.Teams()[2].Fields["color"], "Bears")

	assert.Equal(t, len(history.entries), 1)
	assert.Equal(t, history.entries[0].Type, models.HistoryMerge)
	assert.Equal(t, history.entries[0].Data["teamsAdded"], 2)

	// A second merge of the same snapshot adds nothing.
	res, err = NewCoordinator(nil, history, AutoConfirm, nil).Merge(context.Background(), snapshot, room)
	assert.Equal(t, err, nil)
	assert.Equal(t, res.Plan.Empty(), true)
	assert.Equal(t, len(room.Teams()), 4)
	assert.Equal(t, len(history.entries), 1)
}

func TestMergeDeclineLeavesSessionUntouched(t *testing.T) {
	snapshot, room := newMergeFixture(t)
	before := room.Teams()
	changes := 0
	unsubscribe := room.Doc.Observe(func(doc.Change) { changes++ })
	defer unsubscribe()

	decline := ConfirmFunc(func(context.Context, models.MergePlan) (bool, error) { return false, nil })
	res, err := NewCoordinator(nil, nil, decline, nil).Merge(context.Background(), snapshot, room)
	assert.Equal(t, err, nil)
	assert.Equal(t, res.Declined, true)

	assert.Equal(t, changes, 0)
	assert.Equal(t, room.Teams(), before)
}
