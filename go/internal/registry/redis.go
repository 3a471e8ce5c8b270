package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/mcdev12/scoresync/go/internal/models"
)

const redisKeyPrefix = "scoresync:room:"

// RedisStore keeps registry records as Redis strings that expire on their
// own after EntryTTL.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) (models.RegistryRecord, error) {
	raw, err := s.rdb.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.RegistryRecord{}, ErrNotFound
	}
	if err != nil {
		return models.RegistryRecord{}, err
	}
	var record models.RegistryRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return models.RegistryRecord{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return record, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, record models.RegistryRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, redisKeyPrefix+key, data, EntryTTL).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, redisKeyPrefix+key).Err()
}

func (s *RedisStore) List(ctx context.Context) (map[string]models.RegistryRecord, error) {
	out := make(map[string]models.RegistryRecord)
	iter := s.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), redisKeyPrefix)
		record, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[key] = record
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
