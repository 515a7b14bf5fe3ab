package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "erfa:upload:"
	maxWatchRetries  = 10
)

// RedisStore keeps sessions in Redis so several server instances share one
// registry. Each session is a JSON value whose TTL equals the maximum age and
// is refreshed on every update; updates use WATCH/MULTI so concurrent writers never lose each other's changes.
type RedisStore struct {
	client *redis.Client
	prefix string
	opts   Options
	now    func() time.Time
}

// NewRedisStore wraps an existing client. An empty prefix uses "erfa:upload:".
func NewRedisStore(client *redis.Client, prefix string, opts Options) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, opts: opts.withDefaults(), now: time.Now}
}

func (r *RedisStore) key(id string) string { return r.prefix + id }

func (r *RedisStore) Create(ctx context.Context, s Session) (Session, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now()
	}
	s.UpdatedAt = s.CreatedAt
	s.Status = StatusPending
	s.Progress = 0
	s.Cancelled = false

	data, err := json.Marshal(s)
	if err != nil {
		return Session{}, fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(s.ID), data, r.opts.MaxAge).Err(); err != nil {
		return Session{}, fmt.Errorf("store session: %w", err)
	}
	return s, nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (Session, error) {
	return r.read(ctx, r.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) read(ctx context.Context, c getter, id string) (Session, error) {
	data, err := c.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return s, nil
}

func (r *RedisStore) Update(ctx context.Context, id string, fn func(*Session) error) (Session, error) {
	key := r.key(id)
	var out Session

	txf := func(tx *redis.Tx) error {
		cur, err := r.read(ctx, tx, id)
		if err != nil {
			return err
		}
		next := cur
		if err := fn(&next); err != nil {
			out = cur
			return err
		}
		next.UpdatedAt = r.now()
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.opts.MaxAge)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return Session{}, ErrConflict
}

func (r *RedisStore) UpdateProgress(ctx context.Context, id string, percent int) (Session, error) {
	s, _, err := updateIgnoringUnchanged(ctx, r, id, applyProgress(percent))
	return s, err
}

func (r *RedisStore) MarkCancelled(ctx context.Context, id string) (bool, error) {
	_, changed, err := updateIgnoringUnchanged(ctx, r, id, applyCancel(r.now()))
	return changed, err
}

func (r *RedisStore) Finish(ctx context.Context, id string, status Status, objectID, reason string) (Session, error) {
	s, _, err := updateIgnoringUnchanged(ctx, r, id, applyFinish(r.now(), status, objectID, reason))
	return s, err
}

// Reap deletes terminal sessions past their linger time. Sessions past MaxAge
// are already gone through key expiry; they are still checked in case the TTL
// was lost.
func (r *RedisStore) Reap(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			var s Session
			if err := json.Unmarshal(data, &s); err != nil {
				return err
			}
			if !r.opts.expired(s, now) {
				return errUnchanged
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			return err
		}, key)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, errUnchanged), errors.Is(err, redis.Nil), errors.Is(err, redis.TxFailedErr):
			// Still live, already gone, or modified concurrently; next sweep decides.
		default:
			return removed, fmt.Errorf("reap %s: %w", key, err)
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan sessions: %w", err)
	}
	return removed, nil
}
