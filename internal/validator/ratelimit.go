package validator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chunkflow/coordinator/internal/coordinator"
)

// limiter holds one token bucket per (bucket, identity) pair. The process
// local path uses golang.org/x/time/rate; when a RedisCounter is supplied,
// the limit is additionally enforced across every Coordinator instance
// sharing that Redis store, so a client cannot outrun the limit by being
// routed to a different process.
type limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*rate.Limiter

	distributed *RedisCounter
}

func newLimiter(cfg Config, distributed *RedisCounter) *limiter {
	return &limiter{cfg: cfg, buckets: make(map[string]*rate.Limiter), distributed: distributed}
}

func (l *limiter) limitFor(bucket string) (rate.Limit, int) {
	switch bucket {
	case "upload":
		perMinute := l.cfg.UploadPerMinute
		return rate.Limit(float64(perMinute) / 60.0), perMinute
	case "monitoring":
		perMinute := l.cfg.MonitoringPerMinute
		return rate.Limit(float64(perMinute) / 60.0), perMinute
	default:
		perMinute := l.cfg.GeneralPerMinute
		return rate.Limit(float64(perMinute) / 60.0), perMinute
	}
}

func (l *limiter) get(bucket, identity string) *rate.Limiter {
	key := bucket + ":" + identity

	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.buckets[key]
	if !ok {
		r, burst := l.limitFor(bucket)
		lim = rate.NewLimiter(r, burst)
		l.buckets[key] = lim
	}
	return lim
}

func (l *limiter) allow(bucket, identity string) error {
	if l.distributed != nil {
		ok, err := l.distributed.Allow(context.Background(), bucket, identity, l.cfg)
		if err == nil {
			if !ok {
				return coordinator.New(coordinator.KindRateLimited, "rate limit exceeded")
			}
			return nil
		}
		// fall through to the process-local limiter if Redis is unreachable,
		// so a cache outage degrades rate limiting rather than the service.
	}

	if !l.get(bucket, identity).Allow() {
		return coordinator.New(coordinator.KindRateLimited, "rate limit exceeded")
	}
	return nil
}

// RedisCounter enforces a shared rate limit window using INCR plus a
// conditional EXPIRE on first increment, the same pattern the teacher's
// cache layer uses for its own rate-limit counters.
type RedisCounter struct {
	client redisIncrementer
}

// redisIncrementer is the minimal surface RedisCounter needs. It is
// satisfied by *cache.RateLimitCache (or a test fake), so this package does
// not import go-redis itself.
type redisIncrementer interface {
	IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error)
}

func NewRedisCounter(client redisIncrementer) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Allow(ctx context.Context, bucket, identity string, cfg Config) (bool, error) {
	_, limit := (&limiter{cfg: cfg}).limitFor(bucket)
	count, err := c.client.IncrementRateLimit(ctx, "ratelimit:"+bucket+":"+identity, time.Minute)
	if err != nil {
		return false, err
	}
	return count <= int64(limit), nil
}
