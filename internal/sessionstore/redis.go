package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore mirrors the portal's three storage keys. All three are written
// or deleted inside one MULTI/EXEC so no reader sees a mixed set.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "storeorders:session"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) keys() (access, refresh, user string) {
	return r.prefix + ":access_token", r.prefix + ":refresh_token", r.prefix + ":user"
}

func (r *RedisStore) Save(ctx context.Context, session Session) error {
	user, err := json.Marshal(session.User)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	accessKey, refreshKey, userKey := r.keys()
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, accessKey, session.AccessToken, 0)
		pipe.Set(ctx, refreshKey, session.RefreshToken, 0)
		pipe.Set(ctx, userKey, user, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save session: %w", err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context) (Session, bool, error) {
	accessKey, refreshKey, userKey := r.keys()
	values, err := r.client.MGet(ctx, accessKey, refreshKey, userKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Session{}, false, fmt.Errorf("redis load session: %w", err)
	}
	if len(values) != 3 {
		return Session{}, false, nil
	}

	access, ok1 := values[0].(string)
	refresh, ok2 := values[1].(string)
	rawUser, ok3 := values[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return Session{}, false, nil
	}
	user, ok := decodeUser([]byte(rawUser))
	if !ok {
		return Session{}, false, nil
	}
	session := Session{AccessToken: access, RefreshToken: refresh, User: user}
	if !session.Complete() {
		return Session{}, false, nil
	}
	return session, true, nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	accessKey, refreshKey, userKey := r.keys()
	if err := r.client.Del(ctx, accessKey, refreshKey, userKey).Err(); err != nil {
		return fmt.Errorf("redis clear session: %w", err)
	}
	return nil
}
