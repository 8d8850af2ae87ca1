// Package session implements the Session Manager: the only component
// permitted to mutate a Session Record. Every other component (Validator,
// Scheduler, Blob Store) proposes a change; the Manager drives the state
// machine and is the single place that decides whether a transition is
// legal.
package session

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/chunkflow/coordinator/internal/blobstore"
	"github.com/chunkflow/coordinator/internal/coordinator"
	"github.com/chunkflow/coordinator/internal/logger"
	"github.com/chunkflow/coordinator/internal/models"
	"github.com/chunkflow/coordinator/internal/registry"
	"github.com/chunkflow/coordinator/internal/scheduler"
	"github.com/chunkflow/coordinator/internal/validator"
)

// Manager orchestrates the Blob Store, Session Registry, Validator, and
// Scheduler into the lifecycle state machine: Initialized -> Receiving ->
// Assembling -> Completed, with Failed and Aborted reachable from any
// non-terminal state.
type Manager struct {
	store             registry.Store
	blobs             blobstore.Backend
	validator         *validator.Validator
	sched             *scheduler.Scheduler
	log               *logger.Logger
	chunkWriteTimeout time.Duration
}

// NewManager wires the Manager's collaborators. chunkWriteTimeout bounds each
// admitted chunk write's wall-clock duration; zero disables the deadline.
func NewManager(store registry.Store, blobs blobstore.Backend, v *validator.Validator, sched *scheduler.Scheduler, log *logger.Logger, chunkWriteTimeout time.Duration) *Manager {
	return &Manager{store: store, blobs: blobs, validator: v, sched: sched, log: log, chunkWriteTimeout: chunkWriteTimeout}
}

// Init creates a new session in Initialized and returns its handle.
func (m *Manager) Init(ctx context.Context, declared models.Declared) (string, error) {
	if err := m.validator.ValidateDeclared(declared); err != nil {
		return "", err
	}

	chunkSize := int64(0)
	if declared.TotalChunks > 0 {
		chunkSize = (declared.FileSize + int64(declared.TotalChunks) - 1) / int64(declared.TotalChunks)
	}

	now := time.Now()
	rec := &models.Record{
		Handle:         uuid.NewString(),
		Declared:       declared,
		ChunkSize:      chunkSize,
		Received:       make(map[int]int64),
		Status:         models.StatusInitialized,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if err := m.store.Create(ctx, rec); err != nil {
		return "", coordinator.Wrap(coordinator.KindIOFailure, "creating session record", err)
	}

	m.log.WithField("handle", rec.Handle).Info("session initialized")
	return rec.Handle, nil
}

// PutChunk validates, admits, persists, and acknowledges one chunk. The
// returned progress always reflects the record state after this call.
func (m *Manager) PutChunk(ctx context.Context, handle string, index int, fileType string, totalChunksHint int, r io.Reader, size int64) (models.Progress, error) {
	rec, err := m.store.Get(ctx, handle)
	if err != nil {
		return models.Progress{}, err
	}

	if rec.Status.Terminal() {
		if rec.Status == models.StatusCompleted {
			return rec.Progress(), nil
		}
		return models.Progress{}, coordinator.Newf(coordinator.KindCancelled, "session is %s", rec.Status)
	}

	if err := m.validator.ValidateStructural(rec, index, size); err != nil {
		m.touch(ctx, handle)
		return models.Progress{}, err
	}
	if err := m.validator.ValidateConflict(rec, fileType, totalChunksHint); err != nil {
		m.touch(ctx, handle)
		return models.Progress{}, err
	}

	if _, alreadyReceived := rec.Received[index]; alreadyReceived {
		// Idempotent acknowledgement: do not re-admit, re-validate the
		// magic number, or re-write a chunk the registry already has.
		return rec.Progress(), nil
	}

	var head [16]byte
	var body io.Reader = r
	if index == 0 {
		n, _ := io.ReadFull(r, head[:])
		if err := m.validator.ValidateMagicNumber(index, rec.Declared.FileType, head[:n]); err != nil {
			return models.Progress{}, err
		}
		body = io.MultiReader(bytes.NewReader(head[:n]), r)
	}

	release, err := m.sched.Admit(ctx, handle)
	if err != nil {
		return models.Progress{}, err
	}
	defer release()

	if err := ctx.Err(); err != nil {
		return models.Progress{}, coordinator.Wrap(coordinator.KindCancelled, "write cancelled before I/O", err)
	}

	writeCtx := ctx
	if m.chunkWriteTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, m.chunkWriteTimeout)
		defer cancel()
	}

	written, writeErr := m.blobs.WriteChunk(writeCtx, handle, index, body, size)
	if writeErr != nil && writeCtx.Err() == context.DeadlineExceeded {
		writeErr = coordinator.Wrap(coordinator.KindTimeout, "chunk write exceeded deadline", writeErr)
	}

	updated, updateErr := m.store.Update(ctx, handle, func(rec *models.Record) error {
		if rec.Status.Terminal() {
			// The session was aborted or failed while this chunk was in flight.
			return coordinator.Newf(coordinator.KindCancelled, "session is %s", rec.Status)
		}
		rec.LastActivityAt = time.Now()

		if writeErr != nil {
			rec.ConsecutiveWriteFailures++
			if rec.ConsecutiveWriteFailures >= maxConsecutiveWriteFailures {
				rec.Status = models.StatusFailed
				rec.FailureReason = failureReasonFrom(writeErr)
			}
			// Persist the failure count; writeErr is returned to the caller below.
			return nil
		}
		rec.ConsecutiveWriteFailures = 0

		if rec.FirstChunkAt.IsZero() {
			rec.FirstChunkAt = rec.LastActivityAt
		}
		if rec.Status == models.StatusInitialized {
			rec.Status = models.StatusReceiving
		}

		if _, alreadyReceived := rec.Received[index]; alreadyReceived {
			// A concurrent PutChunk for the same (handle, index) admitted and
			// wrote before this one reached the lock. The pre-lock snapshot
			// check above cannot see that; re-check membership under the
			// per-handle lock so only the first writer's byte count sticks.
			return nil
		}

		rec.Received[index] = written
		rec.BytesReceived += written
		return nil
	})

	if coordinator.Is(updateErr, coordinator.KindCancelled) {
		if writeErr == nil {
			if err := m.blobs.DeleteSessionArtifacts(ctx, handle, false); err != nil {
				m.log.Error("deleting chunk written after session ended", err)
			}
		}
		return models.Progress{}, updateErr
	}
	if writeErr != nil {
		if updateErr != nil {
			m.log.Error("recording chunk write failure", updateErr)
		}
		return models.Progress{}, writeErr
	}
	if updateErr != nil {
		return models.Progress{}, coordinator.Wrap(coordinator.KindIOFailure, "recording chunk receipt", updateErr)
	}

	return updated.Progress(), nil
}

// Complete verifies every declared chunk is present and drives
// Assembling -> Completed. Repeated calls on an Assembling or Completed
// session return the current final object (nil while assembly is still
// running) rather than erroring.
func (m *Manager) Complete(ctx context.Context, handle, checksumHint string) (*models.FinalObject, error) {
	rec, err := m.store.Get(ctx, handle)
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case models.StatusCompleted, models.StatusAssembling:
		return rec.Final, nil
	case models.StatusAborted, models.StatusFailed:
		return nil, coordinator.Newf(coordinator.KindCancelled, "session is %s", rec.Status)
	}

	if !rec.Complete() {
		return nil, coordinator.Newf(coordinator.KindBadRequest, "received %d of %d chunks", len(rec.Received), rec.Declared.TotalChunks)
	}

	rec, err = m.store.Update(ctx, handle, func(rec *models.Record) error {
		rec.Status = models.StatusAssembling
		rec.LastActivityAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, coordinator.Wrap(coordinator.KindIOFailure, "entering assembly", err)
	}

	assembled, err := m.blobs.Assemble(ctx, handle, rec.ReceivedIndices(), rec.Declared.FileName)
	if err != nil {
		m.fail(ctx, handle, err)
		return nil, err
	}

	checksum := assembled.Checksum
	if checksumHint != "" && checksumHint != checksum {
		m.fail(ctx, handle, coordinator.New(coordinator.KindConflict, "assembled checksum does not match supplied checksum"))
		return nil, coordinator.New(coordinator.KindConflict, "assembled checksum does not match supplied checksum")
	}

	final := &models.FinalObject{
		Handle:      handle,
		Name:        rec.Declared.FileName,
		Size:        assembled.Size,
		MimeType:    rec.Declared.FileType,
		AssembledAt: time.Now(),
		StoragePath: assembled.StoragePath,
		Checksum:    checksum,
	}

	updated, err := m.store.Update(ctx, handle, func(rec *models.Record) error {
		rec.Status = models.StatusCompleted
		rec.CompletedAt = time.Now()
		rec.LastActivityAt = rec.CompletedAt
		rec.Checksum = checksum
		rec.Final = final
		return nil
	})
	if err != nil {
		return nil, coordinator.Wrap(coordinator.KindIOFailure, "recording completion", err)
	}

	m.sched.Forget(handle)
	m.log.WithField("handle", handle).Info("session completed")
	return updated.Final, nil
}

// Status returns a lock-free snapshot of the record.
func (m *Manager) Status(ctx context.Context, handle string) (*models.Record, error) {
	return m.store.Get(ctx, handle)
}

// ResumeInfo is the set of indices a client may safely skip re-sending.
type ResumeInfo struct {
	ReceivedIndices []int
	TotalCount      int
}

func (m *Manager) Resume(ctx context.Context, handle string) (ResumeInfo, error) {
	rec, err := m.store.Get(ctx, handle)
	if err != nil {
		return ResumeInfo{}, err
	}
	return ResumeInfo{ReceivedIndices: rec.ReceivedIndices(), TotalCount: rec.Declared.TotalChunks}, nil
}

// Abort is idempotent: aborting a terminal session is a no-op, aborting a
// non-terminal session transitions it and schedules artifact deletion.
func (m *Manager) Abort(ctx context.Context, handle string) error {
	rec, err := m.store.Get(ctx, handle)
	if err != nil {
		return err
	}

	if rec.Status.Terminal() {
		return nil
	}

	_, err = m.store.Update(ctx, handle, func(rec *models.Record) error {
		if rec.Status.Terminal() {
			return nil
		}
		rec.Status = models.StatusAborted
		rec.LastActivityAt = time.Now()
		rec.FailureReason = &models.FailureReason{Kind: "aborted", Message: "aborted by client"}
		return nil
	})
	if err != nil {
		return coordinator.Wrap(coordinator.KindIOFailure, "recording abort", err)
	}

	m.sched.Forget(handle)

	if err := m.blobs.DeleteSessionArtifacts(ctx, handle, false); err != nil {
		m.log.Error("deleting artifacts after abort", err)
	}

	m.log.WithField("handle", handle).Info("session aborted")
	return nil
}

func (m *Manager) fail(ctx context.Context, handle string, cause error) {
	_, err := m.store.Update(ctx, handle, func(rec *models.Record) error {
		rec.Status = models.StatusFailed
		rec.LastActivityAt = time.Now()
		rec.FailureReason = failureReasonFrom(cause)
		return nil
	})
	if err != nil {
		m.log.Error("recording failure", err)
	}
	m.sched.Forget(handle)
}

func (m *Manager) touch(ctx context.Context, handle string) {
	if _, err := m.store.Update(ctx, handle, func(rec *models.Record) error {
		rec.LastActivityAt = time.Now()
		return nil
	}); err != nil {
		m.log.Error("touching session after rejected chunk", err)
	}
}

func failureReasonFrom(err error) *models.FailureReason {
	kind, ok := coordinator.KindOf(err)
	if !ok {
		kind = coordinator.KindIOFailure
	}
	return &models.FailureReason{Kind: string(kind), Message: err.Error()}
}

// maxConsecutiveWriteFailures bounds how many back-to-back IO failures a
// session tolerates before the Manager gives up and marks it Failed,
// rather than leaving clients retrying a chunk the Blob Store can never
// durably accept.
const maxConsecutiveWriteFailures = 5
