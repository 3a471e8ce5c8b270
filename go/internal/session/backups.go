package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"

	"github.com/mcdev12/scoresync/go/internal/doc"
	"github.com/mcdev12/scoresync/go/internal/models"
)

var backupsBucket = []byte("backups")

var ErrBackupNotFound = errors.New("backup not found")

type backupMeta struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
	Size      int    `json:"size"`
	CreatedAt int64  `json:"createdAt"`
}

func (m backupMeta) toModel() (*models.Backup, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, err
	}
	return &models.Backup{
		ID:        id,
		SessionID: m.SessionID,
		Reason:    models.BackupReason(m.Reason),
		Size:      m.Size,
		CreatedAt: time.UnixMilli(m.CreatedAt),
	}, nil
}

// BoltBackups snapshots session documents into the backups bucket of a
// BoltStore file and restores them as new sessions.
type BoltBackups struct {
	bolt  *BoltStore
	store *Store
	clock clockwork.Clock
}

func NewBoltBackups(b *BoltStore, store *Store, clock clockwork.Clock) *BoltBackups {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &BoltBackups{bolt: b, store: store, clock: clock}
}

// CreateBackup stores the full state of the session under a new id.
func (b *BoltBackups) CreateBackup(ctx context.Context, sessionID string, reason models.BackupReason) (*models.Backup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, err := b.store.Get(sessionID)
	if err != nil {
		return nil, fmt.Errorf("backup %s: %w", sessionID, err)
	}
	state, err := sess.Doc.EncodeState()
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", sessionID, err)
	}

	meta := backupMeta{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Reason:    string(reason),
		Size:      len(state),
		CreatedAt: b.clock.Now().UnixMilli(),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	err = b.bolt.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(backupsBucket).CreateBucket([]byte(meta.ID))
		if err != nil {
			return err
		}
		if err := bucket.Put(metaKey, raw); err != nil {
			return err
		}
		return bucket.Put(stateKey, state)
	})
	if err != nil {
		return nil, fmt.Errorf("write backup: %w", err)
	}
	return meta.toModel()
}

// ListBackups returns the backups of a session, newest first.
func (b *BoltBackups) ListBackups(sessionID string) ([]*models.Backup, error) {
	var out []*models.Backup
	err := b.bolt.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(backupsBucket)
		return root.ForEachBucket(func(name []byte) error {
			var meta backupMeta
			if err := json.Unmarshal(root.Bucket(name).Get(metaKey), &meta); err != nil {
				return err
			}
			if meta.SessionID != sessionID {
				return nil
			}
			backup, err := meta.toModel()
			if err != nil {
				return err
			}
			out = append(out, backup)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Restore materialises a backup as a new session and makes it current. The
// backed-up session itself is left untouched, so a restore can be undone by
// switching back.
func (b *BoltBackups) Restore(ctx context.Context, backupID uuid.UUID) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var state []byte
	var meta backupMeta
	err := b.bolt.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(backupsBucket).Bucket([]byte(backupID.String()))
		if bucket == nil {
			return ErrBackupNotFound
		}
		if err := json.Unmarshal(bucket.Get(metaKey), &meta); err != nil {
			return err
		}
		state = append([]byte(nil), bucket.Get(stateKey)...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	d := b.store.newDoc()
	if err := d.ApplyUpdate(state, doc.OriginSync); err != nil {
		return nil, fmt.Errorf("restore backup %s: %w", backupID, err)
	}
	restored := &Session{
		ID:        uuid.NewString(),
		CreatedAt: b.clock.Now(),
		Doc:       d,
	}
	// The restored copy is a local session; it must not claim the room.
	if err := restored.ClearSyncConfig(); err != nil {
		return nil, err
	}
	b.store.Add(restored)
	if err := b.store.SetCurrent(restored.ID); err != nil {
		return nil, err
	}
	return restored, nil
}
