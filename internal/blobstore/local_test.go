package blobstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/chunkflow/coordinator/internal/coordinator"
	"github.com/chunkflow/coordinator/internal/logger"
)

func newTestBackend(t *testing.T, erasure bool) *LocalBackend {
	t.Helper()
	cfg := LocalConfig{BasePath: t.TempDir()}
	if erasure {
		cfg.ErasureEnabled = true
		cfg.ErasureDataShards = 4
		cfg.ErasureParityShards = 2
	}
	b, err := NewLocalBackend(cfg, logger.NewLogger("test"))
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	return b
}

func TestWriteChunkThenReadChunkRoundTrips(t *testing.T) {
	b := newTestBackend(t, false)
	ctx := context.Background()
	payload := []byte("hello chunk world")

	n, err := b.WriteChunk(ctx, "h1", 0, bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if n != int64(len(payload)) {
		t.Fatalf("expected %d bytes written, got %d", len(payload), n)
	}

	r, err := b.ReadChunk(ctx, "h1", 0)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading chunk: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round-tripped payload mismatch: got %q want %q", got, payload)
	}
}

func TestReadChunkMissingReturnsNotFound(t *testing.T) {
	b := newTestBackend(t, false)
	_, err := b.ReadChunk(context.Background(), "missing-handle", 0)
	if !coordinator.Is(err, coordinator.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestAssembleConcatenatesChunksInIndexOrder(t *testing.T) {
	b := newTestBackend(t, false)
	ctx := context.Background()

	parts := []string{"alpha-", "beta-", "gamma"}
	for i, part := range parts {
		if _, err := b.WriteChunk(ctx, "h1", i, bytes.NewReader([]byte(part)), int64(len(part))); err != nil {
			t.Fatalf("WriteChunk %d: %v", i, err)
		}
	}

	obj, err := b.Assemble(ctx, "h1", []int{0, 1, 2}, "out.txt")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	want := "alpha-beta-gamma"
	if obj.Size != int64(len(want)) {
		t.Fatalf("expected size %d, got %d", len(want), obj.Size)
	}
	if obj.Checksum == "" {
		t.Fatalf("expected non-empty checksum")
	}
}

func TestAssembleWithErasureEnabledStillProducesPlainFinalObject(t *testing.T) {
	b := newTestBackend(t, true)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("x"), 4096)
	if _, err := b.WriteChunk(ctx, "h1", 0, bytes.NewReader(payload), int64(len(payload))); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	obj, err := b.Assemble(ctx, "h1", []int{0}, "out.bin")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if obj.Size != int64(len(payload)) {
		t.Fatalf("expected size %d, got %d", len(payload), obj.Size)
	}
}

func TestDeleteSessionArtifactsRemovesStaging(t *testing.T) {
	b := newTestBackend(t, false)
	ctx := context.Background()

	if _, err := b.WriteChunk(ctx, "h1", 0, bytes.NewReader([]byte("data")), 4); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := b.DeleteSessionArtifacts(ctx, "h1", false); err != nil {
		t.Fatalf("DeleteSessionArtifacts: %v", err)
	}
	if _, err := b.ReadChunk(ctx, "h1", 0); !coordinator.Is(err, coordinator.KindNotFound) {
		t.Fatalf("expected chunk to be gone, got %v", err)
	}
}

func TestSanitizeNameStripsTraversal(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd": "passwd",
		"plain.txt":        "plain.txt",
		"..":               "upload",
		"":                 "upload",
	}
	for in, want := range cases {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
