// Package validator implements the Validator component: four ordered,
// short-circuiting checks applied to every incoming chunk (structural
// bounds, declared MIME type, magic-number sniffing on the first chunk, and
// per-identity rate limiting).
package validator

import (
	"bytes"

	"github.com/chunkflow/coordinator/internal/coordinator"
	"github.com/chunkflow/coordinator/internal/models"
)

// allowedMIMETypes is the declared-type allow-set. Anything else is BadRequest.
var allowedMIMETypes = map[string]struct{}{
	"image/jpeg":              {},
	"image/png":               {},
	"image/gif":               {},
	"video/mp4":               {},
	"video/webm":              {},
	"application/pdf":         {},
	"text/plain":              {},
	"application/octet-stream": {},
}

// magicNumbers maps a declared MIME type to its expected leading bytes.
// A MIME type absent from this table has no magic-number rule and is
// accepted unconditionally at that layer.
var magicNumbers = map[string][]byte{
	"image/jpeg": {0xFF, 0xD8, 0xFF},
	"image/png":  {0x89, 0x50, 0x4E, 0x47},
	"image/gif":  {0x47, 0x49, 0x46, 0x38},
	"video/mp4":  {0x00, 0x00, 0x00, 0x20, 0x66, 0x74, 0x79, 0x70},
	"video/webm": {0x1A, 0x45, 0xDF, 0xA3},
}

// Config bounds the Validator's structural and rate-limit behavior.
type Config struct {
	ChunkSize   int64
	MaxFileSize int64

	GeneralPerMinute    int
	UploadPerMinute     int
	MonitoringPerMinute int
}

// Validator implements the four-layer check pipeline. The zero value has
// no rate limiter and is not usable; build one with New.
type Validator struct {
	cfg     Config
	limiter *limiter
}

func New(cfg Config, distributed *RedisCounter) *Validator {
	return &Validator{cfg: cfg, limiter: newLimiter(cfg, distributed)}
}

// IsAllowedMIME reports whether mime is in the declared-type allow-set.
func IsAllowedMIME(mime string) bool {
	_, ok := allowedMIMETypes[mime]
	return ok
}

// ValidateDeclared checks the fields supplied to Init.
func (v *Validator) ValidateDeclared(d models.Declared) error {
	if d.FileSize <= 0 {
		return coordinator.New(coordinator.KindBadRequest, "declared file size must be positive")
	}
	if d.FileName == "" {
		return coordinator.New(coordinator.KindBadRequest, "declared file name must not be empty")
	}
	if !IsAllowedMIME(d.FileType) {
		return coordinator.Newf(coordinator.KindBadRequest, "unsupported declared MIME type %q", d.FileType)
	}
	if v.cfg.MaxFileSize > 0 && d.FileSize > v.cfg.MaxFileSize {
		return coordinator.Newf(coordinator.KindBadRequest, "declared file size %d exceeds server limit %d", d.FileSize, v.cfg.MaxFileSize)
	}
	return nil
}

// ValidateStructural checks a chunk's index and size against the session's
// declared bounds and current status.
func (v *Validator) ValidateStructural(rec *models.Record, index int, size int64) error {
	if rec.Status != models.StatusInitialized && rec.Status != models.StatusReceiving {
		return coordinator.Newf(coordinator.KindConflict, "session is %s, no longer accepting chunks", rec.Status)
	}
	if index < 0 || index >= rec.Declared.TotalChunks {
		return coordinator.Newf(coordinator.KindBadRequest, "chunk index %d out of range [0,%d)", index, rec.Declared.TotalChunks)
	}

	if size > rec.ChunkSize {
		return coordinator.Newf(coordinator.KindPayloadTooLarge, "chunk size %d exceeds limit %d", size, rec.ChunkSize)
	}
	if size <= 0 {
		return coordinator.New(coordinator.KindBadRequest, "chunk payload must not be empty")
	}
	return nil
}

// ValidateConflict checks that a chunk's declared fileType/totalChunks are
// consistent with what Init recorded for this handle.
func (v *Validator) ValidateConflict(rec *models.Record, fileType string, totalChunksHint int) error {
	if fileType != "" && fileType != rec.Declared.FileType {
		return coordinator.Newf(coordinator.KindConflict, "declared type %q does not match session type %q", fileType, rec.Declared.FileType)
	}
	if totalChunksHint > 0 && totalChunksHint != rec.Declared.TotalChunks {
		return coordinator.Newf(coordinator.KindConflict, "declared chunk count %d does not match session total %d", totalChunksHint, rec.Declared.TotalChunks)
	}
	return nil
}

// ValidateMagicNumber checks the leading bytes of chunk index 0 against the
// declared MIME type's signature, when one is defined. It is a no-op for any
// other chunk index or for MIME types with no registered signature.
func (v *Validator) ValidateMagicNumber(index int, mime string, head []byte) error {
	if index != 0 {
		return nil
	}
	signature, ok := magicNumbers[mime]
	if !ok {
		return nil
	}
	if len(head) < len(signature) || !bytes.Equal(head[:len(signature)], signature) {
		return coordinator.Newf(coordinator.KindBadRequest, "chunk payload does not match magic number for %s", mime)
	}
	return nil
}

// Allow consumes one token from the named bucket ("general", "upload",
// "monitoring") for the given client identity.
func (v *Validator) Allow(bucket, identity string) error {
	return v.limiter.allow(bucket, identity)
}
