package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/scoresync/go/internal/doc"
	"github.com/mcdev12/scoresync/go/internal/models"
)

func TestSyncConfigRoundTrip(t *testing.T) {
	store := NewStore(clockwork.NewFakeClock())
	sess := store.Create()

	created := time.UnixMilli(1_700_000_000_000)
	err := sess.SetSyncConfig(models.SyncConfig{
		Room:              "ABC234",
		CreatedAt:         created,
		SessionID:         sess.ID,
		JoinChoice:        models.JoinChoiceCreate,
		EffectivePassword: "secret",
		HasCustomPassword: true,
	})
	assert.Equal(t, err, nil)

	cfg := sess.SyncConfig()
	assert.Equal(t, cfg.Room, "ABC234")
	assert.Equal(t, cfg.CreatedAt.UnixMilli(), created.UnixMilli())
	assert.Equal(t, cfg.JoinChoice, models.JoinChoiceCreate)
	assert.Equal(t, cfg.HasCustomPassword, true)

	assert.Equal(t, sess.ClearSyncConfig(), nil)
	assert.Equal(t, sess.SyncConfig().Empty(), true)
}

func TestRosterOrdering(t *testing.T) {
	store := NewStore(clockwork.NewFakeClock())
	sess := store.Create()

	_, err := sess.AddRosterItem(models.RosterTeams, "Owls", nil)
	assert.Equal(t, err, nil)
	_, err = sess.AddRosterItem(models.RosterTeams, "Bears", map[string]any{"color": "red"})
	assert.Equal(t, err, nil)

	teams := sess.Teams()
	assert.Equal(t, len(teams), 2)
	assert.Equal(t, teams[0].Name, "Owls")
	assert.Equal(t, teams[1].Name, "Bears")
	assert.Equal(t, teams[1].Order, 1)
	assert.Equal(t, teams[1].Fields["color"], "red")
	assert.Equal(t, len(sess.Blocks()), 0)
}

func TestQuestionFieldTimestamps(t *testing.T) {
	store := NewStore(clockwork.NewFakeClock())
	sess := store.Create()

	q, err := sess.AddQuestion("Round 1 Q1", 0, time.UnixMilli(100))
	assert.Equal(t, err, nil)
	assert.Equal(t, q.ID, QuestionID("  round 1 q1 "))

	assert.Equal(t, sess.SetQuestionField(q.ID, models.QuestionFieldScore, 7.5, time.UnixMilli(250)), nil)
	assert.NotEqual(t, sess.SetQuestionField(q.ID, "name", "x", time.UnixMilli(300)), nil)
	assert.NotEqual(t, sess.SetQuestionField("missing", models.QuestionFieldScore, 1, time.UnixMilli(300)), nil)

	got := sess.Questions()
	assert.Equal(t, len(got), 1)
	assert.Equal(t, got[0].Score, 7.5)
	assert.Equal(t, got[0].FieldTime(models.QuestionFieldScore), int64(250))
	assert.Equal(t, got[0].FieldTime(models.QuestionFieldBlock), int64(100))
}

func TestStoreLifecycle(t *testing.T) {
	store := NewStore(clockwork.NewFakeClock())
	first := store.Create()
	second := store.Create()

	current, err := store.Current()
	assert.Equal(t, err, nil)
	assert.Equal(t, current.ID, second.ID)

	list := store.List()
	assert.Equal(t, len(list), 2)
	assert.Equal(t, list[0].ID, first.ID)

	assert.Equal(t, store.Delete(second.ID), nil)
	_, err = store.Current()
	assert.Equal(t, err, ErrNoCurrent)
	_, err = store.Get(second.ID)
	assert.Equal(t, err, ErrSessionNotFound)
	assert.Equal(t, store.SetCurrent("nope"), ErrSessionNotFound)
}

func TestBoltStorePersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	clock := clockwork.NewFakeClock()

	b, err := OpenBolt(path)
	assert.Equal(t, err, nil)

	store := NewStore(clock)
	sess := store.Create()
	stop := b.Persist(sess)
	_, err = sess.AddRosterItem(models.RosterBlocks, "Block A", nil)
	assert.Equal(t, err, nil)
	stop()
	assert.Equal(t, b.Close(), nil)

	b, err = OpenBolt(path)
	assert.Equal(t, err, nil)
	defer b.Close()

	reloaded := NewStore(clock)
	n, err := b.LoadInto(reloaded)
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 1)

	got, err := reloaded.Get(sess.ID)
	assert.Equal(t, err, nil)
	blocks := got.Blocks()
	assert.Equal(t, len(blocks), 1)
	assert.Equal(t, blocks[0].Name, "Block A")
}

func TestBackupAndRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	clock := clockwork.NewFakeClock()
	b, err := OpenBolt(path)
	assert.Equal(t, err, nil)
	defer b.Close()

	store := NewStore(clock)
	sess := store.Create()
	_, err = sess.AddRosterItem(models.RosterTeams, "Owls", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, sess.SetSyncConfig(models.SyncConfig{Room: "ABC234", SessionID: sess.ID}), nil)

	backups := NewBoltBackups(b, store, clock)
	backup, err := backups.CreateBackup(context.Background(), sess.ID, models.BackupReasonPreMerge)
	assert.Equal(t, err, nil)
	assert.Equal(t, backup.Reason, models.BackupReasonPreMerge)

	_, err = sess.AddRosterItem(models.RosterTeams, "Bears", nil)
	assert.Equal(t, err, nil)

	listed, err := backups.ListBackups(sess.ID)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(listed), 1)

	restored, err := backups.Restore(context.Background(), backup.ID)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, restored.ID, sess.ID)
	assert.Equal(t, len(restored.Teams()), 1)
	assert.Equal(t, restored.SyncConfig().Empty(), true)
	assert.Equal(t, len(sess.Teams()), 2)

	current, err := store.Current()
	assert.Equal(t, err, nil)
	assert.Equal(t, current.ID, restored.ID)

	_, err = backups.CreateBackup(context.Background(), "missing", models.BackupReasonManual)
	assert.NotEqual(t, err, nil)
}

func TestStoreWithCustomDocs(t *testing.T) {
	var ids []uint64
	store := NewStoreWithDocs(clockwork.NewFakeClock(), func() doc.Document {
		d := doc.NewLWWDocWithClient(uint64(len(ids) + 1))
		ids = append(ids, d.ClientID())
		return d
	})
	store.Create()
	store.Create()
	assert.Equal(t, ids, []uint64{1, 2})
}

func TestFillSyncConfigKeepsReplicatedFields(t *testing.T) {
	store := NewStore(clockwork.NewFakeClock())
	sess := store.Create()
	assert.Equal(t, sess.SetSyncConfig(models.SyncConfig{Room: "MMMMMM", SessionID: "owner"}), nil)

	assert.Equal(t, sess.FillSyncConfig(models.SyncConfig{
		Room:              "NNNNNN",
		SessionID:         "",
		JoinChoice:        models.JoinChoiceJoin,
		EffectivePassword: "NNNNNN",
	}), nil)
	got := sess.SyncConfig()
	assert.Equal(t, got.Room, "MMMMMM")
	assert.Equal(t, got.SessionID, "owner")
	assert.Equal(t, got.JoinChoice, models.JoinChoiceJoin)
	assert.Equal(t, got.EffectivePassword, "NNNNNN")
}

func TestBoltTrackFollowsStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	clock := clockwork.NewFakeClock()
	b, err := OpenBolt(path)
	assert.Equal(t, err, nil)

	store := NewStore(clock)
	b.Track(store)
	kept := store.Create()
	dropped := store.Create()
	assert.Equal(t, store.Delete(dropped.ID), nil)
	_, err = dropped.AddRosterItem(models.RosterTeams, "Ghosts", nil)
	assert.Equal(t, err, nil)
	_, err = kept.AddRosterItem(models.RosterTeams, "Owls", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, b.Close(), nil)

	b, err = OpenBolt(path)
	assert.Equal(t, err, nil)
	defer b.Close()
	reloaded := NewStore(clock)
	n, err := b.LoadInto(reloaded)
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 1)
	got, err := reloaded.Get(kept.ID)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(got.Teams()), 1)
}
