package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/mcdev12/scoresync/go/internal/doc"
)

var (
	sessionsBucket = []byte("sessions")
	metaKey        = []byte("meta")
	stateKey       = []byte("state")
)

type sessionMeta struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"createdAt"`
	SavedAt   int64  `json:"savedAt"`
}

// BoltStore persists session documents in a bbolt file. Each session is a
// nested bucket holding its metadata and its encoded document state.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the bbolt file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(backupsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying file.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

// Save writes the current state of sess.
func (b *BoltStore) Save(sess *Session) error {
	state, err := sess.Doc.EncodeState()
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	meta, err := json.Marshal(sessionMeta{
		ID:        sess.ID,
		CreatedAt: sess.CreatedAt.UnixMilli(),
		SavedAt:   time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(sessionsBucket).CreateBucketIfNotExists([]byte(sess.ID))
		if err != nil {
			return err
		}
		if err := bucket.Put(metaKey, meta); err != nil {
			return err
		}
		return bucket.Put(stateKey, state)
	})
}

// Remove deletes a persisted session.
func (b *BoltStore) Remove(id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(sessionsBucket).DeleteBucket([]byte(id))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// LoadInto reads every persisted session into store, oldest first, and
// returns how many were loaded.
func (b *BoltStore) LoadInto(store *Store) (int, error) {
	type loaded struct {
		meta  sessionMeta
		state []byte
	}
	var all []loaded
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEachBucket(func(name []byte) error {
			bucket := tx.Bucket(sessionsBucket).Bucket(name)
			var meta sessionMeta
			if err := json.Unmarshal(bucket.Get(metaKey), &meta); err != nil {
				return fmt.Errorf("decode meta for %s: %w", name, err)
			}
			all = append(all, loaded{meta: meta, state: append([]byte(nil), bucket.Get(stateKey)...)})
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	// bbolt iterates in key order; restore creation order.
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].meta.CreatedAt < all[j].meta.CreatedAt
	})

	count := 0
	for _, l := range all {
		d := store.newDoc()
		if len(l.state) > 0 {
			if err := d.ApplyUpdate(l.state, doc.OriginSync); err != nil {
				log.Warn().Err(err).Str("session_id", l.meta.ID).Msg("Skipping unreadable session")
				continue
			}
		}
		store.Add(&Session{
			ID:        l.meta.ID,
			CreatedAt: time.UnixMilli(l.meta.CreatedAt),
			Doc:       d,
		})
		count++
	}
	return count, nil
}

// Persist saves sess now and after every subsequent document change. The
// returned function stops persisting.
func (b *BoltStore) Persist(sess *Session) func() {
	if err := b.Save(sess); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to save session")
	}
	return sess.Doc.Observe(func(doc.Change) {
		if err := b.Save(sess); err != nil {
			log.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to save session")
		}
	})
}

// Track persists every session added to store and removes the persisted
// copy of every session deleted from it.
func (b *BoltStore) Track(store *Store) {
	var mu sync.Mutex
	stops := make(map[string]func())
	store.OnCreate(func(sess *Session) {
		stop := b.Persist(sess)
		mu.Lock()
		if previous, ok := stops[sess.ID]; ok {
			previous()
		}
		stops[sess.ID] = stop
		mu.Unlock()
	})
	store.OnDelete(func(sess *Session) {
		mu.Lock()
		stop, ok := stops[sess.ID]
		delete(stops, sess.ID)
		mu.Unlock()
		if ok {
			stop()
		}
		if err := b.Remove(sess.ID); err != nil {
			log.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to remove session")
		}
	})
}
