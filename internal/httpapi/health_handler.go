package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chunkflow/coordinator/internal/health"
)

// HealthHandler exposes the Checker's combined status over HTTP.
type HealthHandler struct {
	checker *health.Checker
}

func NewHealthHandler(checker *health.Checker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// Healthz handles GET /healthz
func (h *HealthHandler) Healthz(c *gin.Context) {
	status := h.checker.Check(c.Request.Context())

	code := http.StatusOK
	if status.Overall != "healthy" {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":     status.Overall,
		"components": status.Components,
	})
}
