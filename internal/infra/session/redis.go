package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hxat/internal/domain"

	"github.com/redis/go-redis/v9"
)

const maxUpdateAttempts = 8

var errContention = errors.New("session update contention")

// RedisStore persists sessions as JSON with a TTL. Update uses WATCH/MULTI
// so concurrent launches from several tabs of one browser do not overwrite
// each other's records.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(token string) string {
	return s.prefix + token
}

func (s *RedisStore) Load(ctx context.Context, token string) (*domain.LaunchSession, error) {
	data, err := s.client.Get(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (s *RedisStore) Update(ctx context.Context, token string, fn func(*domain.LaunchSession) error) error {
	key := s.key(token)
	txf := func(tx *redis.Tx) error {
		sess := domain.NewLaunchSession()
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if sess, err = decode(data); err != nil {
				return err
			}
		}
		if err := fn(sess); err != nil {
			return err
		}
		if !sess.Dirty() {
			return nil
		}
		encoded, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %s: %w", key, errContention)
}

func (s *RedisStore) Delete(ctx context.Context, token string) error {
	return s.client.Del(ctx, s.key(token)).Err()
}

var _ domain.SessionStore = (*RedisStore)(nil)
