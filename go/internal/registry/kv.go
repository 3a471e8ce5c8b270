package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/mcdev12/scoresync/go/internal/models"
)

// KVConfig describes the JetStream key/value bucket backing the registry.
type KVConfig struct {
	Bucket   string
	Replicas int
}

func DefaultKVConfig() KVConfig {
	return KVConfig{
		Bucket:   "ROOM_REGISTRY",
		Replicas: 1,
	}
}

// KVStore keeps registry records in a NATS JetStream key/value bucket. The
// bucket TTL sits slightly above EntryTTL; lazy expiry still runs against
// the record's createdAt.
type KVStore struct {
	kv jetstream.KeyValue
}

// NewKVStore creates or updates the bucket and returns a store over it.
func NewKVStore(ctx context.Context, js jetstream.JetStream, cfg KVConfig) (*KVStore, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "Room code registry",
		TTL:         EntryTTL + EntryTTL/12,
		Storage:     jetstream.FileStorage,
		Replicas:    cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %s: %w", cfg.Bucket, err)
	}
	return &KVStore{kv: kv}, nil
}

// NATS subjects reject ':' so relay keys use '.' in the bucket.
func toKVKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

func fromKVKey(key string) string {
	return strings.ReplaceAll(key, ".", ":")
}

func (s *KVStore) Get(ctx context.Context, key string) (models.RegistryRecord, error) {
	entry, err := s.kv.Get(ctx, toKVKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return models.RegistryRecord{}, ErrNotFound
	}
	if err != nil {
		return models.RegistryRecord{}, err
	}
	var record models.RegistryRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return models.RegistryRecord{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return record, nil
}

func (s *KVStore) Put(ctx context.Context, key string, record models.RegistryRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = s.kv.Put(ctx, toKVKey(key), data)
	return err
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	err := s.kv.Delete(ctx, toKVKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (s *KVStore) List(ctx context.Context) (map[string]models.RegistryRecord, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	defer lister.Stop()

	out := make(map[string]models.RegistryRecord)
	for key := range lister.Keys() {
		record, err := s.Get(ctx, fromKVKey(key))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[fromKVKey(key)] = record
	}
	return out, nil
}
