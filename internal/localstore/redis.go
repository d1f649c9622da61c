package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"forum-service/internal/models"
)

const (
	redisOpTimeout  = 3 * time.Second
	redisTxAttempts = 5
)

// RedisStore keeps the local state in redis, for hosts that share one
// instance between several client processes.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore wraps rdb. Keys are namespaced with prefix.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) pendingKey(roomID int64) string {
	return fmt.Sprintf("%sforum_%d", s.prefix, roomID)
}

func (s *RedisStore) deletedKey(roomID int64) string {
	return fmt.Sprintf("%sdeletedMessageIds:%d", s.prefix, roomID)
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisOpTimeout)
}

func decodePending(raw string) ([]models.Message, error) {
	msgs := []models.Message{}
	if raw == "" {
		return msgs, nil
	}
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, fmt.Errorf("decode pending messages: %w", err)
	}
	return msgs, nil
}

func (s *RedisStore) Load(roomID int64) ([]models.Message, error) {
	ctx, cancel := opContext()
	defer cancel()
	raw, err := s.rdb.Get(ctx, s.pendingKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return []models.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodePending(raw)
}

func (s *RedisStore) Append(roomID int64, m models.Message) error {
	ctx, cancel := opContext()
	defer cancel()
	key := s.pendingKey(roomID)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		msgs, err := decodePending(raw)
		if err != nil {
			return err
		}
		msgs, added := appendUnique(msgs, m)
		if !added {
			return nil
		}
		data, err := json.Marshal(msgs)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	for i := 0; i < redisTxAttempts; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("append pending message: %w", redis.TxFailedErr)
}

func (s *RedisStore) ReplaceAll(roomID int64, msgs []models.Message) error {
	if len(msgs) == 0 {
		return s.Clear(roomID)
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	ctx, cancel := opContext()
	defer cancel()
	return s.rdb.Set(ctx, s.pendingKey(roomID), data, 0).Err()
}

func (s *RedisStore) Clear(roomID int64) error {
	ctx, cancel := opContext()
	defer cancel()
	return s.rdb.Del(ctx, s.pendingKey(roomID)).Err()
}

func (s *RedisStore) MarkDeleted(roomID, id int64) error {
	ctx, cancel := opContext()
	defer cancel()
	return s.rdb.SAdd(ctx, s.deletedKey(roomID), id).Err()
}

func (s *RedisStore) PendingDeletes(roomID int64) ([]int64, error) {
	ctx, cancel := opContext()
	defer cancel()
	members, err := s.rdb.SMembers(ctx, s.deletedKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	set := make(map[int64]struct{}, len(members))
	for _, member := range members {
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		set[id] = struct{}{}
	}
	return sortedIDs(set), nil
}

func (s *RedisStore) ClearConfirmed(roomID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	ctx, cancel := opContext()
	defer cancel()
	return s.rdb.SRem(ctx, s.deletedKey(roomID), members...).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
