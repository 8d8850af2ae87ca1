package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chunkflow/coordinator/internal/coordinator"
)

// statusForKind maps a coordinator.Kind to its HTTP status code, the single
// place this module translates the error taxonomy to wire-level codes.
func statusForKind(kind coordinator.Kind) int {
	switch kind {
	case coordinator.KindBadRequest, coordinator.KindConflict:
		return http.StatusBadRequest
	case coordinator.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case coordinator.KindNotFound:
		return http.StatusNotFound
	case coordinator.KindRateLimited:
		return http.StatusTooManyRequests
	case coordinator.KindOverloaded:
		return http.StatusTooManyRequests
	case coordinator.KindExhausted:
		return http.StatusInsufficientStorage
	case coordinator.KindTimeout:
		return http.StatusGatewayTimeout
	case coordinator.KindCancelled:
		return http.StatusConflict
	case coordinator.KindIOFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {error: {kind, message}} with the status the
// error's Kind maps to. An error with no recognized Kind is treated as an
// unexpected internal failure.
func writeError(c *gin.Context, err error) {
	kind, ok := coordinator.KindOf(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"kind": "IOFailure", "message": err.Error()}})
		return
	}
	c.JSON(statusForKind(kind), gin.H{"error": gin.H{"kind": string(kind), "message": err.Error()}})
}
