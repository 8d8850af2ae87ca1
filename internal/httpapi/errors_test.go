package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/chunkflow/coordinator/internal/coordinator"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatusForKindMapsEveryKind(t *testing.T) {
	cases := map[coordinator.Kind]int{
		coordinator.KindBadRequest:      http.StatusBadRequest,
		coordinator.KindConflict:        http.StatusBadRequest,
		coordinator.KindNotFound:        http.StatusNotFound,
		coordinator.KindRateLimited:     http.StatusTooManyRequests,
		coordinator.KindOverloaded:      http.StatusTooManyRequests,
		coordinator.KindExhausted:       http.StatusInsufficientStorage,
		coordinator.KindTimeout:         http.StatusGatewayTimeout,
		coordinator.KindCancelled:       http.StatusConflict,
		coordinator.KindIOFailure:       http.StatusInternalServerError,
		coordinator.KindPayloadTooLarge: http.StatusRequestEntityTooLarge,
	}
	for kind, want := range cases {
		if got := statusForKind(kind); got != want {
			t.Errorf("statusForKind(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestWriteErrorRendersKindAndMessage(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	writeError(c, coordinator.New(coordinator.KindNotFound, "unknown upload session"))

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if !contains(w.Body.String(), "unknown upload session") {
		t.Fatalf("expected message in body, got %s", w.Body.String())
	}
	if !contains(w.Body.String(), "NotFound") {
		t.Fatalf("expected kind in body, got %s", w.Body.String())
	}
}

func TestWriteErrorHandlesUnrecognizedError(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	writeError(c, errPlain("boom"))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
