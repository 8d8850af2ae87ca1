package session

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/chunkflow/coordinator/internal/blobstore"
	"github.com/chunkflow/coordinator/internal/coordinator"
	"github.com/chunkflow/coordinator/internal/logger"
	"github.com/chunkflow/coordinator/internal/models"
	"github.com/chunkflow/coordinator/internal/registry"
	"github.com/chunkflow/coordinator/internal/scheduler"
	"github.com/chunkflow/coordinator/internal/validator"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()

	dir := t.TempDir()
	blobs, err := blobstore.NewLocalBackend(blobstore.LocalConfig{BasePath: dir}, logger.NewLogger("test"))
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}

	v := validator.New(validator.Config{
		ChunkSize:           1 << 20,
		GeneralPerMinute:    1000,
		UploadPerMinute:     1000,
		MonitoringPerMinute: 1000,
	}, nil)

	sched := scheduler.New(scheduler.Config{
		MaxParallelWrites:     4,
		MaxParallelPerSession: 2,
		PerSessionQueueBound:  4,
		AdmitTimeout:          time.Second,
	})

	mgr := NewManager(registry.NewMemoryStore(), blobs, v, sched, logger.NewLogger("test"), time.Second)
	return mgr, dir
}

func jpegChunk(size int) []byte {
	buf := make([]byte, size)
	buf[0], buf[1], buf[2] = 0xFF, 0xD8, 0xFF
	for i := 3; i < size; i++ {
		buf[i] = byte(i)
	}
	return buf
}

// S1: small happy path.
func TestHappyPathSingleChunk(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	handle, err := mgr.Init(ctx, models.Declared{FileName: "a.jpg", FileSize: 1 << 20, FileType: "image/jpeg", TotalChunks: 1})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	data := jpegChunk(1 << 20)
	progress, err := mgr.PutChunk(ctx, handle, 0, "image/jpeg", 1, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	if progress.ReceivedCount != 1 || progress.TotalCount != 1 {
		t.Fatalf("progress = %+v, want 1/1", progress)
	}

	final, err := mgr.Complete(ctx, handle, "")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if final.Size != int64(len(data)) {
		t.Fatalf("final size = %d, want %d", final.Size, len(data))
	}

	rec, err := mgr.Status(ctx, handle)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rec.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", rec.Status)
	}

	written, err := os.ReadFile(final.StoragePath)
	if err != nil {
		t.Fatalf("reading assembled file: %v", err)
	}
	if !bytes.Equal(written, data) {
		t.Fatal("assembled content does not match source chunk")
	}
}

// S3: out-of-order duplicates.
func TestOutOfOrderDuplicateChunks(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	chunkSize := 4
	total := 4
	handle, err := mgr.Init(ctx, models.Declared{FileName: "a.bin", FileSize: int64(chunkSize * total), FileType: "application/octet-stream", TotalChunks: total})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	payloads := make([][]byte, total)
	for i := range payloads {
		payloads[i] = bytes.Repeat([]byte{byte('A' + i)}, chunkSize)
	}

	order := []int{2, 0, 2, 1, 3}
	var lastProgress models.Progress
	for _, idx := range order {
		p, err := mgr.PutChunk(ctx, handle, idx, "", 0, bytes.NewReader(payloads[idx]), int64(len(payloads[idx])))
		if err != nil {
			t.Fatalf("PutChunk(%d): %v", idx, err)
		}
		lastProgress = p
	}

	if lastProgress.ReceivedCount != total {
		t.Fatalf("received count = %d, want %d", lastProgress.ReceivedCount, total)
	}

	final, err := mgr.Complete(ctx, handle, "")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	want := bytes.Join(payloads, nil)
	got, err := os.ReadFile(final.StoragePath)
	if err != nil {
		t.Fatalf("reading assembled file: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("assembled content is not the ascending-index concatenation")
	}
}

// Callers racing PutChunk for the same (handle, index) must all succeed, but
// the chunk counts toward BytesReceived once. The racer count equals the test
// scheduler's PerSessionQueueBound, so no racer is refused with Overloaded.
func TestConcurrentPutChunkSameIndexDoesNotDoubleCountBytes(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	handle, err := mgr.Init(ctx, models.Declared{FileName: "a.bin", FileSize: 8, FileType: "application/octet-stream", TotalChunks: 2})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	const racers = 4
	payload := []byte("abcd")
	var wg sync.WaitGroup
	errs := make([]error, racers)
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = mgr.PutChunk(ctx, handle, 0, "", 0, bytes.NewReader(payload), int64(len(payload)))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("racer %d: PutChunk: %v", i, err)
		}
	}

	rec, err := mgr.Status(ctx, handle)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rec.BytesReceived != int64(len(payload)) {
		t.Fatalf("BytesReceived = %d, want %d (index 0 counted once)", rec.BytesReceived, len(payload))
	}
	if len(rec.Received) != 1 {
		t.Fatalf("Received has %d entries, want 1", len(rec.Received))
	}
}

// S4: magic-number mismatch.
func TestMagicNumberMismatchRejectsChunk(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	handle, err := mgr.Init(ctx, models.Declared{FileName: "a.png", FileSize: 16, FileType: "image/png", TotalChunks: 1})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	bogus := jpegChunk(16) // begins FF D8 FF, not the PNG signature
	_, err = mgr.PutChunk(ctx, handle, 0, "image/png", 1, bytes.NewReader(bogus), int64(len(bogus)))
	if !coordinator.Is(err, coordinator.KindBadRequest) {
		t.Fatalf("err = %v, want BadRequest", err)
	}

	rec, err := mgr.Status(ctx, handle)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rec.Status != models.StatusInitialized {
		t.Fatalf("status = %s, want initialized", rec.Status)
	}
	if len(rec.Received) != 0 {
		t.Fatalf("received = %v, want empty", rec.Received)
	}
}

// S6: overload. One goroutine holds the session's only concurrency slot,
// a second blocks waiting for it (filling the bounded queue), and a third
// concurrent PutChunk is rejected fail-fast with Overloaded. Releasing the
// held slot lets the queued write through.
func TestOverloadReturnsOverloadedThenRecovers(t *testing.T) {
	dir := t.TempDir()
	blobs, err := blobstore.NewLocalBackend(blobstore.LocalConfig{BasePath: dir}, logger.NewLogger("test"))
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	v := validator.New(validator.Config{ChunkSize: 1 << 20, GeneralPerMinute: 1000, UploadPerMinute: 1000, MonitoringPerMinute: 1000}, nil)
	sched := scheduler.New(scheduler.Config{MaxParallelWrites: 1, MaxParallelPerSession: 1, PerSessionQueueBound: 1, AdmitTimeout: 2 * time.Second})
	mgr := NewManager(registry.NewMemoryStore(), blobs, v, sched, logger.NewLogger("test"), time.Second)
	ctx := context.Background()

	handle, err := mgr.Init(ctx, models.Declared{FileName: "a.bin", FileSize: 12, FileType: "application/octet-stream", TotalChunks: 3})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	holder, err := sched.Admit(ctx, handle)
	if err != nil {
		t.Fatalf("priming Admit: %v", err)
	}

	blockedStarted := make(chan struct{})
	blockedDone := make(chan error, 1)
	go func() {
		close(blockedStarted)
		_, err := mgr.PutChunk(ctx, handle, 0, "", 0, bytes.NewReader([]byte("abcd")), 4)
		blockedDone <- err
	}()
	<-blockedStarted
	time.Sleep(50 * time.Millisecond) // let the blocked goroutine reach sq.sem

	_, err = mgr.PutChunk(ctx, handle, 1, "", 0, bytes.NewReader([]byte("efgh")), 4)
	if !coordinator.Is(err, coordinator.KindOverloaded) {
		t.Fatalf("err = %v, want Overloaded", err)
	}

	holder()

	if err := <-blockedDone; err != nil {
		t.Fatalf("blocked PutChunk: %v", err)
	}
}

func TestAbortIsIdempotentAndRemovesArtifacts(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	handle, err := mgr.Init(ctx, models.Declared{FileName: "a.bin", FileSize: 8, FileType: "application/octet-stream", TotalChunks: 2})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := mgr.PutChunk(ctx, handle, 0, "", 0, bytes.NewReader([]byte("abcd")), 4); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}

	if err := mgr.Abort(ctx, handle); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if err := mgr.Abort(ctx, handle); err != nil {
		t.Fatalf("second Abort: %v", err)
	}
	if _, err := mgr.blobs.ReadChunk(ctx, handle, 0); !coordinator.Is(err, coordinator.KindNotFound) {
		t.Fatalf("staging chunk after abort: err = %v, want NotFound", err)
	}

	_, err = mgr.PutChunk(ctx, handle, 1, "", 0, bytes.NewReader([]byte("efgh")), 4)
	if !coordinator.Is(err, coordinator.KindCancelled) {
		t.Fatalf("PutChunk after abort err = %v, want Cancelled", err)
	}
}

func TestResumeReturnsReceivedIndices(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	handle, err := mgr.Init(ctx, models.Declared{FileName: "a.bin", FileSize: 12, FileType: "application/octet-stream", TotalChunks: 3})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := mgr.PutChunk(ctx, handle, 0, "", 0, bytes.NewReader([]byte("abcd")), 4); err != nil {
		t.Fatalf("PutChunk(0): %v", err)
	}
	if _, err := mgr.PutChunk(ctx, handle, 2, "", 0, bytes.NewReader([]byte("ijkl")), 4); err != nil {
		t.Fatalf("PutChunk(2): %v", err)
	}

	info, err := mgr.Resume(ctx, handle)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(info.ReceivedIndices) != 2 || info.ReceivedIndices[0] != 0 || info.ReceivedIndices[1] != 2 {
		t.Fatalf("ReceivedIndices = %v, want [0 2]", info.ReceivedIndices)
	}
	if info.TotalCount != 3 {
		t.Fatalf("TotalCount = %d, want 3", info.TotalCount)
	}
}
