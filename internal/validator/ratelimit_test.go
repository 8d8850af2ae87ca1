package validator

import (
	"context"
	"testing"
	"time"
)

type fakeIncrementer struct {
	counts map[string]int64
}

func newFakeIncrementer() *fakeIncrementer {
	return &fakeIncrementer{counts: make(map[string]int64)}
}

func (f *fakeIncrementer) IncrementRateLimit(_ context.Context, key string, _ time.Duration) (int64, error) {
	f.counts[key]++
	return f.counts[key], nil
}

func TestRedisCounterAllowsUnderLimit(t *testing.T) {
	fake := newFakeIncrementer()
	counter := NewRedisCounter(fake)
	cfg := Config{UploadPerMinute: 3}

	for i := 0; i < 3; i++ {
		ok, err := counter.Allow(context.Background(), "upload", "client-a", cfg)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !ok {
			t.Fatalf("expected allowed at count %d", i+1)
		}
	}
}

func TestRedisCounterRejectsOverLimit(t *testing.T) {
	fake := newFakeIncrementer()
	counter := NewRedisCounter(fake)
	cfg := Config{UploadPerMinute: 2}

	for i := 0; i < 2; i++ {
		if _, err := counter.Allow(context.Background(), "upload", "client-a", cfg); err != nil {
			t.Fatalf("Allow: %v", err)
		}
	}

	ok, err := counter.Allow(context.Background(), "upload", "client-a", cfg)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Fatalf("expected rejection past limit")
	}
}

func TestRedisCounterTracksBucketsAndIdentitiesIndependently(t *testing.T) {
	fake := newFakeIncrementer()
	counter := NewRedisCounter(fake)
	cfg := Config{UploadPerMinute: 1, MonitoringPerMinute: 1}

	if ok, err := counter.Allow(context.Background(), "upload", "client-a", cfg); err != nil || !ok {
		t.Fatalf("upload client-a: ok=%v err=%v", ok, err)
	}
	if ok, err := counter.Allow(context.Background(), "monitoring", "client-a", cfg); err != nil || !ok {
		t.Fatalf("monitoring client-a should be a separate bucket: ok=%v err=%v", ok, err)
	}
	if ok, err := counter.Allow(context.Background(), "upload", "client-b", cfg); err != nil || !ok {
		t.Fatalf("upload client-b should be a separate identity: ok=%v err=%v", ok, err)
	}
}

func TestLimiterFallsBackToLocalWhenDistributedErrors(t *testing.T) {
	l := newLimiter(Config{UploadPerMinute: 1}, NewRedisCounter(erroringIncrementer{}))
	if err := l.allow("upload", "client-a"); err != nil {
		t.Fatalf("expected local fallback to allow first request, got %v", err)
	}
}

type erroringIncrementer struct{}

func (erroringIncrementer) IncrementRateLimit(context.Context, string, time.Duration) (int64, error) {
	return 0, context.DeadlineExceeded
}
