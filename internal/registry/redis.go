package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chunkflow/coordinator/internal/coordinator"
	"github.com/chunkflow/coordinator/internal/models"
)

// RedisStore is the production Registry backend: session records persist as
// JSON strings keyed by handle, with a secondary sorted set indexed by
// last-activity time so the Reaper's scans don't require a full key scan.
// Per-handle serialization is provided by a short-lived Redis lock (SET NX
// with expiry) rather than a local mutex, so multiple Coordinator processes
// sharing one Redis instance still see single-writer-per-handle semantics.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	lockTTL   time.Duration
}

const (
	redisKeyPrefix   = "upload:session:"
	redisActivityIdx = "upload:index:lastActivity"
	redisCompletedIdx = "upload:index:completed"
)

// NewRedisStore connects to Redis using the given URL (redis://host:port/db).
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("registry: parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("registry: connecting to redis: %w", err)
	}

	return &RedisStore{client: client, keyPrefix: redisKeyPrefix, lockTTL: 10 * time.Second}, nil
}

func (r *RedisStore) key(handle string) string {
	return r.keyPrefix + handle
}

func (r *RedisStore) lockKey(handle string) string {
	return r.keyPrefix + "lock:" + handle
}

// withHandleLock acquires a short-lived distributed lock for handle, runs fn,
// and releases the lock. It blocks with a small backoff until acquired or ctx
// is done, which bounds how long a stuck process can hold a handle captive.
func (r *RedisStore) withHandleLock(ctx context.Context, handle string, fn func() error) error {
	lockKey := r.lockKey(handle)
	token := fmt.Sprintf("%d", time.Now().UnixNano())

	for {
		ok, err := r.client.SetNX(ctx, lockKey, token, r.lockTTL).Result()
		if err != nil {
			return fmt.Errorf("registry: acquiring lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return coordinator.Wrap(coordinator.KindTimeout, "timed out waiting for session lock", ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}

	defer r.client.Del(context.Background(), lockKey)

	return fn()
}

func (r *RedisStore) Create(ctx context.Context, rec *models.Record) error {
	return r.withHandleLock(ctx, rec.Handle, func() error {
		exists, err := r.client.Exists(ctx, r.key(rec.Handle)).Result()
		if err != nil {
			return fmt.Errorf("registry: checking existence: %w", err)
		}
		if exists > 0 {
			return coordinator.New(coordinator.KindConflict, "session handle already exists")
		}
		return r.save(ctx, rec)
	})
}

func (r *RedisStore) Get(ctx context.Context, handle string) (*models.Record, error) {
	data, err := r.client.Get(ctx, r.key(handle)).Result()
	if err == redis.Nil {
		return nil, coordinator.New(coordinator.KindNotFound, "unknown upload session")
	}
	if err != nil {
		return nil, fmt.Errorf("registry: reading session: %w", err)
	}
	var rec models.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("registry: decoding session: %w", err)
	}
	return &rec, nil
}

func (r *RedisStore) Update(ctx context.Context, handle string, mutate func(*models.Record) error) (*models.Record, error) {
	var result *models.Record
	err := r.withHandleLock(ctx, handle, func() error {
		rec, err := r.Get(ctx, handle)
		if err != nil {
			return err
		}
		if err := mutate(rec); err != nil {
			return err
		}
		if err := r.save(ctx, rec); err != nil {
			return err
		}
		result = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *RedisStore) save(ctx context.Context, rec *models.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: encoding session: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(rec.Handle), data, 0)
	pipe.ZAdd(ctx, redisActivityIdx, redis.Z{Score: float64(rec.LastActivityAt.Unix()), Member: rec.Handle})
	if rec.Status == models.StatusCompleted {
		pipe.ZAdd(ctx, redisCompletedIdx, redis.Z{Score: float64(rec.CompletedAt.Unix()), Member: rec.Handle})
	} else {
		pipe.ZRem(ctx, redisCompletedIdx, rec.Handle)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("registry: persisting session: %w", err)
	}
	return nil
}

func (r *RedisStore) ScanByLastActivityBefore(ctx context.Context, before time.Time, statuses []models.Status) ([]*models.Record, error) {
	handles, err := r.client.ZRangeByScore(ctx, redisActivityIdx, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", before.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: scanning by activity: %w", err)
	}

	wanted := make(map[models.Status]struct{}, len(statuses))
	for _, s := range statuses {
		wanted[s] = struct{}{}
	}

	var out []*models.Record
	for _, handle := range handles {
		rec, err := r.Get(ctx, handle)
		if err != nil {
			continue
		}
		if _, ok := wanted[rec.Status]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *RedisStore) ScanCompletedBefore(ctx context.Context, before time.Time) ([]*models.Record, error) {
	handles, err := r.client.ZRangeByScore(ctx, redisCompletedIdx, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", before.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: scanning completed: %w", err)
	}

	var out []*models.Record
	for _, handle := range handles {
		rec, err := r.Get(ctx, handle)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *RedisStore) Delete(ctx context.Context, handle string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(handle))
	pipe.ZRem(ctx, redisActivityIdx, handle)
	pipe.ZRem(ctx, redisCompletedIdx, handle)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("registry: deleting session: %w", err)
	}
	return nil
}

func (r *RedisStore) Stats(ctx context.Context) (Stats, error) {
	handles, err := r.client.ZRange(ctx, redisActivityIdx, 0, -1).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("registry: listing sessions: %w", err)
	}

	var s Stats
	for _, handle := range handles {
		rec, err := r.Get(ctx, handle)
		if err != nil {
			continue
		}
		s.TotalUploads++
		s.TotalSize += rec.BytesReceived
		switch rec.Status {
		case models.StatusFailed:
			s.FailedUploads++
		case models.StatusCompleted, models.StatusAborted:
		default:
			s.ActiveUploads++
		}
	}
	return s, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
