// Package models defines the data shapes the Upload Coordinator persists
// and exchanges: the Session Record, its embedded Chunk bookkeeping, and
// the Final Object produced on successful assembly.
package models

import (
	"sort"
	"time"
)

// Status is a Session Record's lifecycle state.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusReceiving   Status = "receiving"
	StatusAssembling  Status = "assembling"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusAborted     Status = "aborted"
)

// Terminal reports whether no further mutation is accepted in this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// Declared holds the client-asserted properties of an upload, fixed at Init.
type Declared struct {
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	FileType    string `json:"fileType"`
	TotalChunks int    `json:"totalChunks"`
}

// FailureReason records why a session reached Failed or Aborted.
type FailureReason struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// FinalObject describes the assembled artifact produced by Complete.
type FinalObject struct {
	Handle      string    `json:"handle"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	MimeType    string    `json:"mimeType"`
	AssembledAt time.Time `json:"assembledAt"`
	StoragePath string    `json:"storagePath"`
	Checksum    string    `json:"checksum,omitempty"`
}

// Progress is a derived view of a Session Record's completion state.
type Progress struct {
	ReceivedCount int     `json:"receivedCount"`
	TotalCount    int     `json:"totalCount"`
	Percentage    float64 `json:"percentage"`
}

// Record is the unit of state persisted per upload session. All mutation
// flows through registry.Store.Update, which serializes access per handle;
// Record itself carries no lock.
type Record struct {
	Handle    string
	Declared  Declared
	ChunkSize int64

	// Received maps chunk index to its persisted size, doubling as the
	// received-set and the source of truth for the BytesReceived invariant.
	Received      map[int]int64
	BytesReceived int64

	Status Status

	CreatedAt      time.Time
	LastActivityAt time.Time
	FirstChunkAt   time.Time
	CompletedAt    time.Time

	FailureReason *FailureReason
	Checksum      string
	Final         *FinalObject

	// ConsecutiveWriteFailures counts unrecoverable Blob Store errors since
	// the last successful chunk write; it drives the "repeated write
	// failures move a session to Failed" propagation rule.
	ConsecutiveWriteFailures int
}

// Clone returns a deep copy safe to hand to a caller outside the registry's lock.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Received = make(map[int]int64, len(r.Received))
	for k, v := range r.Received {
		clone.Received[k] = v
	}
	if r.FailureReason != nil {
		reason := *r.FailureReason
		clone.FailureReason = &reason
	}
	if r.Final != nil {
		final := *r.Final
		clone.Final = &final
	}
	return &clone
}

// Progress computes the current receive progress.
func (r *Record) Progress() Progress {
	total := r.Declared.TotalChunks
	received := len(r.Received)
	pct := 0.0
	if total > 0 {
		pct = 100 * float64(received) / float64(total)
	}
	return Progress{ReceivedCount: received, TotalCount: total, Percentage: pct}
}

// UploadSpeed derives bytes/second from the span between the first accepted
// chunk and the later of LastActivityAt and CompletedAt.
// It is never stored by a writer; every observer computes it on read.
func (r *Record) UploadSpeed() float64 {
	if r.FirstChunkAt.IsZero() {
		return 0
	}
	end := r.LastActivityAt
	if r.CompletedAt.After(end) {
		end = r.CompletedAt
	}
	elapsed := end.Sub(r.FirstChunkAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(r.BytesReceived) / elapsed
}

// ReceivedIndices returns the sorted set of chunk indices already persisted.
func (r *Record) ReceivedIndices() []int {
	indices := make([]int, 0, len(r.Received))
	for idx := range r.Received {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices
}

// Complete reports whether every declared chunk index has been received.
func (r *Record) Complete() bool {
	return r.Declared.TotalChunks > 0 && len(r.Received) == r.Declared.TotalChunks
}
