package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tutorchat/pkg/types"
)

const redisKeyPrefix = "tutorchat:session:"

// Redis stores one key per live session, created with SETNX so concurrent
// opens for the same tutorial have exactly one winner. Keys carry a TTL of
// the session duration plus a grace period; the coordinator's lazy expiry
// check remains authoritative, the TTL just keeps crashed sessions from
// lingering forever.
type Redis struct {
	rdb *redis.Client
}

var _ Registry = (*Redis)(nil)

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// NewRedisClient dials redis and verifies connectivity.
func NewRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func sessionKey(tutorialID string) string {
	return redisKeyPrefix + tutorialID
}

func (r *Redis) TryOpen(ctx context.Context, session types.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	// Grace period past expiry so a stale row is still observable and gets
	// reported through the reaping path instead of silently vanishing.
	ttl := time.Until(session.ExpiresAt()) + time.Hour
	if ttl <= 0 {
		ttl = time.Hour
	}

	ok, err := r.rdb.SetNX(ctx, sessionKey(session.TutorialID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("setnx session: %w", err)
	}
	if !ok {
		return ErrAlreadyActive
	}
	return nil
}

func (r *Redis) Close(ctx context.Context, tutorialID string) error {
	deleted, err := r.rdb.Del(ctx, sessionKey(tutorialID)).Result()
	if err != nil {
		return fmt.Errorf("del session: %w", err)
	}
	if deleted == 0 {
		return ErrNotActive
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, tutorialID string) (types.Session, error) {
	data, err := r.rdb.Get(ctx, sessionKey(tutorialID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.Session{}, ErrNotActive
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("get session: %w", err)
	}

	var session types.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return types.Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return session, nil
}

func (r *Redis) List(ctx context.Context) ([]types.Session, error) {
	var sessions []types.Session
	iter := r.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("get session: %w", err)
		}
		var session types.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return sessions, nil
}
