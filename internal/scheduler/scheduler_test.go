package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chunkflow/coordinator/internal/coordinator"
)

func TestAdmitReleaseRoundTrip(t *testing.T) {
	s := New(Config{MaxParallelWrites: 2, MaxParallelPerSession: 2, PerSessionQueueBound: 4, AdmitTimeout: time.Second})

	release, err := s.Admit(context.Background(), "h1")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if s.InFlight() != 1 {
		t.Fatalf("InFlight = %d, want 1", s.InFlight())
	}
	release()
	if s.InFlight() != 0 {
		t.Fatalf("InFlight after release = %d, want 0", s.InFlight())
	}
}

func TestAdmitGlobalCapBlocksThenAdmits(t *testing.T) {
	s := New(Config{MaxParallelWrites: 1, MaxParallelPerSession: 2, PerSessionQueueBound: 4, AdmitTimeout: 2 * time.Second})

	release1, err := s.Admit(context.Background(), "h1")
	if err != nil {
		t.Fatalf("Admit 1: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		release2, err := s.Admit(context.Background(), "h2")
		if err == nil {
			release2()
		}
		done <- err
	}()

	select {
	case <-done:
		t.Fatalf("second Admit returned before the global slot was released")
	case <-time.After(50 * time.Millisecond):
	}

	release1()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second Admit: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second Admit never unblocked after release")
	}
}

func TestAdmitPerSessionQueueOverloaded(t *testing.T) {
	s := New(Config{MaxParallelWrites: 10, MaxParallelPerSession: 1, PerSessionQueueBound: 1, AdmitTimeout: 2 * time.Second})

	release, err := s.Admit(context.Background(), "h1")
	if err != nil {
		t.Fatalf("Admit 1: %v", err)
	}
	defer release()

	var wg sync.WaitGroup
	var overloaded int32
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_, err := s.Admit(context.Background(), "h1")
			if coordinator.Is(err, coordinator.KindOverloaded) {
				atomic.AddInt32(&overloaded, 1)
			}
		}()
	}
	wg.Wait()

	if overloaded == 0 {
		t.Fatalf("expected at least one Overloaded rejection, got none")
	}
}

func TestAdmitTimeout(t *testing.T) {
	s := New(Config{MaxParallelWrites: 1, MaxParallelPerSession: 1, PerSessionQueueBound: 4, AdmitTimeout: 30 * time.Millisecond})

	release, err := s.Admit(context.Background(), "h1")
	if err != nil {
		t.Fatalf("Admit 1: %v", err)
	}
	defer release()

	_, err = s.Admit(context.Background(), "h2")
	if !coordinator.Is(err, coordinator.KindTimeout) {
		t.Fatalf("Admit 2 err = %v, want Timeout", err)
	}
}

func TestAdmitCancelledContext(t *testing.T) {
	s := New(Config{MaxParallelWrites: 1, MaxParallelPerSession: 1, PerSessionQueueBound: 4, AdmitTimeout: time.Second})

	release, err := s.Admit(context.Background(), "h1")
	if err != nil {
		t.Fatalf("Admit 1: %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Admit(ctx, "h2")
	if !coordinator.Is(err, coordinator.KindCancelled) {
		t.Fatalf("Admit 2 err = %v, want Cancelled", err)
	}
}

func TestForgetRemovesSessionBookkeeping(t *testing.T) {
	s := New(Config{MaxParallelWrites: 4, MaxParallelPerSession: 2, PerSessionQueueBound: 2, AdmitTimeout: time.Second})

	release, err := s.Admit(context.Background(), "h1")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	release()

	s.Forget("h1")

	s.mu.Lock()
	_, exists := s.sessions["h1"]
	s.mu.Unlock()
	if exists {
		t.Fatal("Forget did not remove session bookkeeping")
	}
}
