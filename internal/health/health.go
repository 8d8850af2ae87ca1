// Package health implements the Coordinator's /healthz check: an explicit,
// injectable checker (not a process-global singleton) over the Session
// Registry and Blob Store, run concurrently and combined into one status.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chunkflow/coordinator/internal/blobstore"
	"github.com/chunkflow/coordinator/internal/registry"
)

// ComponentHealth is the status of one dependency the Coordinator relies on.
type ComponentHealth struct {
	Status    string    `json:"status"` // "healthy" or "unhealthy"
	Message   string    `json:"message"`
	LastCheck time.Time `json:"lastCheck"`
}

// Status is the overall result of a health check.
type Status struct {
	Overall    string                      `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
}

// Checker evaluates the Registry and Blob Store on demand.
type Checker struct {
	store registry.Store
	blobs blobstore.Backend
}

func NewChecker(store registry.Store, blobs blobstore.Backend) *Checker {
	return &Checker{store: store, blobs: blobs}
}

// Check runs both component checks concurrently and combines them: the
// overall status is unhealthy if either dependency reports unhealthy.
func (c *Checker) Check(ctx context.Context) Status {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var registryHealth, blobHealth ComponentHealth
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		registryHealth = c.checkRegistry(checkCtx)
	}()
	go func() {
		defer wg.Done()
		blobHealth = c.checkBlobStore(checkCtx)
	}()
	wg.Wait()

	overall := "healthy"
	if registryHealth.Status != "healthy" || blobHealth.Status != "healthy" {
		overall = "unhealthy"
	}

	return Status{
		Overall: overall,
		Components: map[string]ComponentHealth{
			"registry":  registryHealth,
			"blobStore": blobHealth,
		},
	}
}

func (c *Checker) checkRegistry(ctx context.Context) ComponentHealth {
	now := time.Now()
	if _, err := c.store.Stats(ctx); err != nil {
		return ComponentHealth{Status: "unhealthy", Message: fmt.Sprintf("registry unreachable: %v", err), LastCheck: now}
	}
	return ComponentHealth{Status: "healthy", Message: "registry reachable", LastCheck: now}
}

func (c *Checker) checkBlobStore(ctx context.Context) ComponentHealth {
	now := time.Now()
	free, err := c.blobs.FreeSpace(ctx)
	if err != nil {
		return ComponentHealth{Status: "unhealthy", Message: fmt.Sprintf("blob store unreachable: %v", err), LastCheck: now}
	}
	if free == 0 {
		return ComponentHealth{Status: "unhealthy", Message: "blob store reports no free space", LastCheck: now}
	}
	return ComponentHealth{Status: "healthy", Message: "blob store reachable", LastCheck: now}
}
