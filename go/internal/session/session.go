package session

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/scoresync/go/internal/doc"
	"github.com/mcdev12/scoresync/go/internal/models"
)

// Document key layout.
const (
	configPrefix    = "config"
	questionsPrefix = "questions"

	keySyncRoom              = "config/syncRoom"
	keySyncCreatedAt         = "config/syncCreatedAt"
	keySyncSessionID         = "config/syncSessionId"
	keySyncJoinChoice        = "config/syncJoinChoice"
	keySyncEffectivePassword = "config/syncEffectivePassword"
	keySyncHasCustomPassword = "config/syncHasCustomPassword"
)

// questionNamespace seeds deterministic question identities so two replicas
// creating the same question by name converge on one record.
var questionNamespace = uuid.MustParse("3f0c6a52-8f0e-4d8e-9b0a-6d1c2f7e5a11")

// QuestionID returns the deterministic identity for a question name.
func QuestionID(name string) string {
	return uuid.NewSHA1(questionNamespace, []byte(strings.ToLower(strings.TrimSpace(name)))).String()
}

// Session is one local scorekeeping session bound to a document.
type Session struct {
	ID        string
	CreatedAt time.Time
	Doc       doc.Document
}

// SyncConfig reads the room metadata persisted in the document.
func (s *Session) SyncConfig() models.SyncConfig {
	return readSyncConfig(s.Doc)
}

// SetSyncConfig writes the room metadata in one transaction.
func (s *Session) SetSyncConfig(cfg models.SyncConfig) error {
	return s.Doc.Transact(doc.OriginLocal, func(tx doc.Txn) error {
		WriteSyncConfig(tx, cfg)
		return nil
	})
}

// FillSyncConfig writes only the room fields that are still empty in the
// document, leaving values replicated from other clients untouched.
func (s *Session) FillSyncConfig(cfg models.SyncConfig) error {
	return s.Doc.Transact(doc.OriginLocal, func(tx doc.Txn) error {
		existing := readSyncConfig(tx)
		if existing.Room == "" && cfg.Room != "" {
			tx.Set(keySyncRoom, cfg.Room)
		}
		if existing.CreatedAt.IsZero() && !cfg.CreatedAt.IsZero() {
			tx.Set(keySyncCreatedAt, cfg.CreatedAt.UnixMilli())
		}
		if existing.SessionID == "" && cfg.SessionID != "" {
			tx.Set(keySyncSessionID, cfg.SessionID)
		}
		if existing.JoinChoice == "" && cfg.JoinChoice != "" {
			tx.Set(keySyncJoinChoice, string(cfg.JoinChoice))
		}
		if existing.EffectivePassword == "" && cfg.EffectivePassword != "" {
			tx.Set(keySyncEffectivePassword, cfg.EffectivePassword)
			tx.Set(keySyncHasCustomPassword, cfg.HasCustomPassword)
		}
		return nil
	})
}

// ClearSyncConfig removes every room field from the session.
func (s *Session) ClearSyncConfig() error {
	return s.Doc.Transact(doc.OriginLocal, func(tx doc.Txn) error {
		for _, key := range []string{
			keySyncRoom, keySyncCreatedAt, keySyncSessionID,
			keySyncJoinChoice, keySyncEffectivePassword, keySyncHasCustomPassword,
		} {
			tx.Delete(key)
		}
		return nil
	})
}

// WriteSyncConfig stages cfg inside an existing transaction.
func WriteSyncConfig(tx doc.Txn, cfg models.SyncConfig) {
	tx.Set(keySyncRoom, cfg.Room)
	tx.Set(keySyncCreatedAt, cfg.CreatedAt.UnixMilli())
	tx.Set(keySyncSessionID, cfg.SessionID)
	tx.Set(keySyncJoinChoice, string(cfg.JoinChoice))
	tx.Set(keySyncEffectivePassword, cfg.EffectivePassword)
	tx.Set(keySyncHasCustomPassword, cfg.HasCustomPassword)
}

func readSyncConfig(r doc.Reader) models.SyncConfig {
	cfg := models.SyncConfig{
		Room:              doc.String(r, keySyncRoom),
		SessionID:         doc.String(r, keySyncSessionID),
		JoinChoice:        models.JoinChoice(doc.String(r, keySyncJoinChoice)),
		EffectivePassword: doc.String(r, keySyncEffectivePassword),
		HasCustomPassword: doc.Bool(r, keySyncHasCustomPassword),
	}
	if ms, ok := doc.Int(r, keySyncCreatedAt); ok && ms > 0 {
		cfg.CreatedAt = time.UnixMilli(ms)
	}
	return cfg
}

// Teams returns the team roster in display order.
func (s *Session) Teams() []models.RosterItem {
	return ReadRoster(s.Doc, models.RosterTeams)
}

// Blocks returns the block roster in display order.
func (s *Session) Blocks() []models.RosterItem {
	return ReadRoster(s.Doc, models.RosterBlocks)
}

// ReadRoster reads a roster ordered by its order field, then id.
func ReadRoster(r doc.Reader, kind models.RosterKind) []models.RosterItem {
	prefix := string(kind)
	ids := doc.Children(r, prefix)
	items := make([]models.RosterItem, 0, len(ids))
	for _, id := range ids {
		base := doc.Path(prefix, id)
		item := models.RosterItem{
			ID:   id,
			Name: doc.String(r, doc.Path(base, "name")),
		}
		if order, ok := doc.Int(r, doc.Path(base, "order")); ok {
			item.Order = int(order)
		}
		for _, field := range doc.Children(r, doc.Path(base, "fields")) {
			if v, ok := r.Get(doc.Path(base, "fields", field)); ok {
				if item.Fields == nil {
					item.Fields = make(map[string]any)
				}
				item.Fields[field] = v
			}
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Order != items[j].Order {
			return items[i].Order < items[j].Order
		}
		return items[i].ID < items[j].ID
	})
	return items
}

// WriteRosterItem stages a roster item inside an existing transaction.
func WriteRosterItem(tx doc.Txn, kind models.RosterKind, item models.RosterItem) {
	base := doc.Path(string(kind), item.ID)
	tx.Set(doc.Path(base, "name"), item.Name)
	tx.Set(doc.Path(base, "order"), int64(item.Order))
	for field, v := range item.Fields {
		tx.Set(doc.Path(base, "fields", field), v)
	}
}

// NextOrder returns the order value for an item appended to the roster.
func NextOrder(r doc.Reader, kind models.RosterKind) int {
	next := 0
	for _, id := range doc.Children(r, string(kind)) {
		if order, ok := doc.Int(r, doc.Path(string(kind), id, "order")); ok && int(order) >= next {
			next = int(order) + 1
		}
	}
	return next
}

// AddRosterItem appends a new named item and returns it.
func (s *Session) AddRosterItem(kind models.RosterKind, name string, fields map[string]any) (models.RosterItem, error) {
	item := models.RosterItem{ID: uuid.NewString(), Name: name, Fields: fields}
	err := s.Doc.Transact(doc.OriginLocal, func(tx doc.Txn) error {
		item.Order = NextOrder(tx, kind)
		WriteRosterItem(tx, kind, item)
		return nil
	})
	if err != nil {
		return models.RosterItem{}, fmt.Errorf("add %s item: %w", kind, err)
	}
	return item, nil
}

// Questions returns every question ordered by order field, then id.
func (s *Session) Questions() []models.Question {
	return ReadQuestions(s.Doc)
}

// ReadQuestions reads all question records.
func ReadQuestions(r doc.Reader) []models.Question {
	ids := doc.Children(r, questionsPrefix)
	out := make([]models.Question, 0, len(ids))
	for _, id := range ids {
		out = append(out, ReadQuestion(r, id))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ReadQuestion reads a single question record by id.
func ReadQuestion(r doc.Reader, id string) models.Question {
	base := doc.Path(questionsPrefix, id)
	q := models.Question{
		ID:     id,
		Name:   doc.String(r, doc.Path(base, "name")),
		Ignore: doc.Bool(r, doc.Path(base, models.QuestionFieldIgnore)),
	}
	if v, ok := doc.Int(r, doc.Path(base, "order")); ok {
		q.Order = int(v)
	}
	if v, ok := doc.Int(r, doc.Path(base, models.QuestionFieldBlock)); ok {
		q.Block = int(v)
	}
	if v, ok := doc.Float(r, doc.Path(base, models.QuestionFieldScore)); ok {
		q.Score = v
	}
	for _, field := range doc.Children(r, doc.Path(base, "updatedAt")) {
		if ts, ok := doc.Int(r, doc.Path(base, "updatedAt", field)); ok {
			if q.UpdatedAt == nil {
				q.UpdatedAt = make(map[string]int64)
			}
			q.UpdatedAt[field] = ts
		}
	}
	return q
}

// WriteQuestion stages a full question record.
func WriteQuestion(tx doc.Txn, q models.Question) {
	base := doc.Path(questionsPrefix, q.ID)
	tx.Set(doc.Path(base, "name"), q.Name)
	tx.Set(doc.Path(base, "order"), int64(q.Order))
	tx.Set(doc.Path(base, models.QuestionFieldBlock), int64(q.Block))
	tx.Set(doc.Path(base, models.QuestionFieldScore), q.Score)
	tx.Set(doc.Path(base, models.QuestionFieldIgnore), q.Ignore)
	for field, ts := range q.UpdatedAt {
		tx.Set(doc.Path(base, "updatedAt", field), ts)
	}
}

// DeleteQuestion stages removal of a question record.
func DeleteQuestion(tx doc.Txn, id string) {
	doc.DeletePrefix(tx, doc.Path(questionsPrefix, id))
}

// SetQuestionField updates one question field and its per-field timestamp.
func (s *Session) SetQuestionField(id, field string, value any, at time.Time) error {
	switch field {
	case models.QuestionFieldBlock, models.QuestionFieldScore, models.QuestionFieldIgnore:
	default:
		return fmt.Errorf("unknown question field %q", field)
	}
	base := doc.Path(questionsPrefix, id)
	return s.Doc.Transact(doc.OriginLocal, func(tx doc.Txn) error {
		if _, ok := tx.Get(doc.Path(base, "name")); !ok {
			return fmt.Errorf("question %s not found", id)
		}
		tx.Set(doc.Path(base, field), value)
		tx.Set(doc.Path(base, "updatedAt", field), at.UnixMilli())
		return nil
	})
}

// AddQuestion creates a question with a deterministic identity.
func (s *Session) AddQuestion(name string, block int, at time.Time) (models.Question, error) {
	q := models.Question{
		ID:    QuestionID(name),
		Name:  name,
		Block: block,
		UpdatedAt: map[string]int64{
			models.QuestionFieldBlock:  at.UnixMilli(),
			models.QuestionFieldScore:  at.UnixMilli(),
			models.QuestionFieldIgnore: at.UnixMilli(),
		},
	}
	err := s.Doc.Transact(doc.OriginLocal, func(tx doc.Txn) error {
		q.Order = nextQuestionOrder(tx)
		WriteQuestion(tx, q)
		return nil
	})
	if err != nil {
		return models.Question{}, fmt.Errorf("add question: %w", err)
	}
	return q, nil
}

func nextQuestionOrder(r doc.Reader) int {
	next := 0
	for _, id := range doc.Children(r, questionsPrefix) {
		if order, ok := doc.Int(r, doc.Path(questionsPrefix, id, "order")); ok && int(order) >= next {
			next = int(order) + 1
		}
	}
	return next
}

// Snapshot captures the rosters for a later merge.
func (s *Session) Snapshot(now time.Time) models.SessionSnapshot {
	return models.SessionSnapshot{
		SessionID: s.ID,
		Teams:     s.Teams(),
		Blocks:    s.Blocks(),
		Questions: s.Questions(),
		TakenAt:   now,
	}
}

// String implements fmt.Stringer for log output.
func (s *Session) String() string {
	return s.ID + "@" + strconv.FormatInt(s.CreatedAt.UnixMilli(), 10)
}
