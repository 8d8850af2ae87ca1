package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"syscall"

	"github.com/chunkflow/coordinator/internal/coordinator"
	"github.com/chunkflow/coordinator/internal/logger"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeName strips path separators and any character outside a
// conservative allow-list, so a declared file name can never escape the
// final namespace via "../" or an absolute path.
func SanitizeName(name string) string {
	name = filepath.Base(name)
	name = unsafeNameChars.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == ".." {
		return "upload"
	}
	return name
}

// LocalConfig configures the local-disk Blob Store backend.
type LocalConfig struct {
	BasePath string

	// ErasureEnabled stripes the assembled object into durable shards
	// after assembly, in addition to the plain final file.
	ErasureEnabled      bool
	ErasureDataShards   int
	ErasureParityShards int
}

// LocalBackend is the default Blob Store: chunk and final-object files on a
// local filesystem, with an optional erasure-coded durability layer.
type LocalBackend struct {
	basePath string
	erasure  *erasureCoder
	logger   *logger.Logger
}

// NewLocalBackend builds a LocalBackend rooted at cfg.BasePath, creating the
// staging and final namespaces if they do not exist.
func NewLocalBackend(cfg LocalConfig, log *logger.Logger) (*LocalBackend, error) {
	if err := os.MkdirAll(filepath.Join(cfg.BasePath, "chunks"), 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: creating chunk namespace: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.BasePath, "final"), 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: creating final namespace: %w", err)
	}

	b := &LocalBackend{basePath: cfg.BasePath, logger: log}

	if cfg.ErasureEnabled {
		ec, err := newErasureCoder(cfg.ErasureDataShards, cfg.ErasureParityShards)
		if err != nil {
			return nil, err
		}
		b.erasure = ec
	}

	return b, nil
}

func (b *LocalBackend) chunkDir(handle string) string {
	return filepath.Join(b.basePath, "chunks", handle)
}

func (b *LocalBackend) chunkPath(handle string, index int) string {
	return filepath.Join(b.chunkDir(handle), strconv.Itoa(index))
}

func (b *LocalBackend) finalDir(handle string) string {
	return filepath.Join(b.basePath, "final", handle)
}

func (b *LocalBackend) finalPath(handle, name string) string {
	return filepath.Join(b.finalDir(handle), SanitizeName(name))
}

func (b *LocalBackend) shardPath(handle string, index int) string {
	return filepath.Join(b.finalDir(handle), fmt.Sprintf("shard-%d", index))
}

func (b *LocalBackend) WriteChunk(ctx context.Context, handle string, index int, r io.Reader, sizeHint int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, coordinator.Wrap(coordinator.KindCancelled, "write cancelled before start", err)
	}

	free, err := b.FreeSpace(ctx)
	if err == nil && sizeHint > 0 && free < uint64(sizeHint) {
		return 0, coordinator.New(coordinator.KindExhausted, "insufficient free space for chunk")
	}

	dir := b.chunkDir(handle)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, coordinator.Wrap(coordinator.KindIOFailure, "creating staging directory", err)
	}

	path := b.chunkPath(handle, index)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, coordinator.Wrap(coordinator.KindIOFailure, "opening chunk file", err)
	}

	written, copyErr := io.Copy(f, r)
	if copyErr == nil {
		copyErr = f.Sync()
	}
	closeErr := f.Close()

	if copyErr != nil {
		os.Remove(path)
		return written, coordinator.Wrap(coordinator.KindIOFailure, "writing chunk", copyErr)
	}
	if closeErr != nil {
		return written, coordinator.Wrap(coordinator.KindIOFailure, "closing chunk file", closeErr)
	}

	return written, nil
}

func (b *LocalBackend) ReadChunk(_ context.Context, handle string, index int) (io.ReadCloser, error) {
	f, err := os.Open(b.chunkPath(handle, index))
	if os.IsNotExist(err) {
		return nil, coordinator.New(coordinator.KindNotFound, "chunk not found")
	}
	if err != nil {
		return nil, coordinator.Wrap(coordinator.KindIOFailure, "opening chunk", err)
	}
	return f, nil
}

func (b *LocalBackend) Assemble(ctx context.Context, handle string, indices []int, outName string) (AssembledObject, error) {
	if err := os.MkdirAll(b.finalDir(handle), 0o755); err != nil {
		return AssembledObject{}, coordinator.Wrap(coordinator.KindIOFailure, "creating final directory", err)
	}

	tmp, err := os.CreateTemp(b.finalDir(handle), ".assembling-*")
	if err != nil {
		return AssembledObject{}, coordinator.Wrap(coordinator.KindIOFailure, "creating assembly temp file", err)
	}
	tmpPath := tmp.Name()

	hasher := sha256.New()
	writer := io.MultiWriter(tmp, hasher)

	var size int64
	for _, idx := range indices {
		if err := ctx.Err(); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return AssembledObject{}, coordinator.Wrap(coordinator.KindCancelled, "assembly cancelled", err)
		}

		chunk, err := b.ReadChunk(ctx, handle, idx)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return AssembledObject{}, err
		}

		n, copyErr := io.Copy(writer, chunk)
		chunk.Close()
		size += n
		if copyErr != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return AssembledObject{}, coordinator.Wrap(coordinator.KindIOFailure, "copying chunk into assembly", copyErr)
		}
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return AssembledObject{}, coordinator.Wrap(coordinator.KindIOFailure, "flushing assembled object", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return AssembledObject{}, coordinator.Wrap(coordinator.KindIOFailure, "closing assembled object", err)
	}

	finalPath := b.finalPath(handle, outName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return AssembledObject{}, coordinator.Wrap(coordinator.KindIOFailure, "renaming assembled object into place", err)
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))

	if b.erasure != nil {
		if err := b.writeShards(finalPath, size, handle); err != nil {
			b.logger.Error("erasure striping failed, assembled object is still intact", err)
		}
	}

	return AssembledObject{StoragePath: finalPath, Size: size, Checksum: checksum}, nil
}

// writeShards reads the already-assembled final object back into memory and
// stripes it into durability shards alongside it. Kept separate from the
// streaming concatenation above so the primary assembly path never buffers
// more than one chunk at a time, per the Blob Store's durability policy.
func (b *LocalBackend) writeShards(finalPath string, size int64, handle string) error {
	data, err := os.ReadFile(finalPath)
	if err != nil {
		return fmt.Errorf("blobstore: reading assembled object for striping: %w", err)
	}

	shards, err := b.erasure.encode(data)
	if err != nil {
		return err
	}

	for i, shard := range shards {
		if err := os.WriteFile(b.shardPath(handle, i), shard, 0o644); err != nil {
			return fmt.Errorf("blobstore: writing shard %d: %w", i, err)
		}
	}

	return nil
}

func (b *LocalBackend) DeleteSessionArtifacts(_ context.Context, handle string, removeFinal bool) error {
	if err := os.RemoveAll(b.chunkDir(handle)); err != nil {
		return coordinator.Wrap(coordinator.KindIOFailure, "removing staging artifacts", err)
	}
	if removeFinal {
		if err := os.RemoveAll(b.finalDir(handle)); err != nil {
			return coordinator.Wrap(coordinator.KindIOFailure, "removing final artifacts", err)
		}
	}
	return nil
}

func (b *LocalBackend) FreeSpace(_ context.Context) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(b.basePath, &stat); err != nil {
		return 0, fmt.Errorf("blobstore: statfs: %w", err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
