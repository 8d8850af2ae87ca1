// Package blobstore provides the Blob Store component: durable,
// append-only persistence of chunk payloads and atomic assembly into a
// single final object. Backend is the pluggable storage contract; Local is
// the default disk-backed implementation and S3 is the object-storage
// alternative for deployments that want durability without managing a disk.
package blobstore

import (
	"context"
	"io"
)

// AssembledObject describes the result of a successful Assemble call.
type AssembledObject struct {
	StoragePath string
	Size        int64
	Checksum    string // hex-encoded SHA-256 of the assembled bytes
}

// Backend is the storage contract every Blob Store implementation satisfies.
type Backend interface {
	// WriteChunk durably persists one chunk's payload, flushing before
	// returning. sizeHint is the declared chunk size, used for the
	// disk-space probe before any bytes are written.
	WriteChunk(ctx context.Context, handle string, index int, r io.Reader, sizeHint int64) (int64, error)

	// ReadChunk returns a reader over a previously written chunk. The
	// caller must Close it.
	ReadChunk(ctx context.Context, handle string, index int) (io.ReadCloser, error)

	// Assemble concatenates the named indices, in the given order, into a
	// single final object and makes it visible atomically.
	Assemble(ctx context.Context, handle string, indices []int, outName string) (AssembledObject, error)

	// DeleteSessionArtifacts removes staging chunks, and the final object
	// too when removeFinal is set.
	DeleteSessionArtifacts(ctx context.Context, handle string, removeFinal bool) error

	// FreeSpace reports bytes available to the backend, or an error if the
	// backend cannot report it (e.g. some object stores).
	FreeSpace(ctx context.Context) (uint64, error)
}
