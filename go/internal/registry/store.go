package registry

import (
	"context"
	"errors"

	"github.com/mcdev12/scoresync/go/internal/doc"
	"github.com/mcdev12/scoresync/go/internal/models"
)

var ErrNotFound = errors.New("registry entry not found")

// Store is the backing key/value space of the registry, keyed by room key.
type Store interface {
	Get(ctx context.Context, key string) (models.RegistryRecord, error)
	Put(ctx context.Context, key string, record models.RegistryRecord) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string]models.RegistryRecord, error)
}

const roomsPrefix = "rooms"

// DocStore keeps the registry inside a shared document so every client
// replicating that document sees the same rooms.
type DocStore struct {
	doc doc.Document
}

func NewDocStore(d doc.Document) *DocStore {
	return &DocStore{doc: d}
}

// Document exposes the underlying document so it can be bound to a transport.
func (s *DocStore) Document() doc.Document {
	return s.doc
}

func (s *DocStore) Get(ctx context.Context, key string) (models.RegistryRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.RegistryRecord{}, err
	}
	return readRecord(s.doc, key)
}

func (s *DocStore) Put(ctx context.Context, key string, record models.RegistryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	base := doc.Path(roomsPrefix, key)
	return s.doc.Transact(doc.OriginLocal, func(tx doc.Txn) error {
		tx.Set(doc.Path(base, "sessionId"), record.SessionID)
		tx.Set(doc.Path(base, "createdAt"), record.CreatedAt)
		tx.Set(doc.Path(base, "hasPassword"), record.HasPassword)
		return nil
	})
}

func (s *DocStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.doc.Transact(doc.OriginLocal, func(tx doc.Txn) error {
		doc.DeletePrefix(tx, doc.Path(roomsPrefix, key))
		return nil
	})
}

func (s *DocStore) List(ctx context.Context) (map[string]models.RegistryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]models.RegistryRecord)
	for _, child := range doc.Children(s.doc, roomsPrefix) {
		record, err := readRecord(s.doc, child)
		if err != nil {
			continue
		}
		out[child] = record
	}
	return out, nil
}

func readRecord(r doc.Reader, child string) (models.RegistryRecord, error) {
	base := doc.Path(roomsPrefix, child)
	sessionID := doc.String(r, doc.Path(base, "sessionId"))
	if sessionID == "" {
		return models.RegistryRecord{}, ErrNotFound
	}
	createdAt, _ := doc.Int(r, doc.Path(base, "createdAt"))
	return models.RegistryRecord{
		SessionID:   sessionID,
		CreatedAt:   createdAt,
		HasPassword: doc.Bool(r, doc.Path(base, "hasPassword")),
	}, nil
}
