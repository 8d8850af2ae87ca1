package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chunkflow/coordinator/internal/registry"
)

// MonitoringHandler exposes aggregate Registry statistics.
type MonitoringHandler struct {
	store registry.Store
}

func NewMonitoringHandler(store registry.Store) *MonitoringHandler {
	return &MonitoringHandler{store: store}
}

// Stats handles GET /api/monitoring/stats
func (h *MonitoringHandler) Stats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	var avgSpeed float64
	if stats.TotalUploads > 0 {
		avgSpeed = float64(stats.TotalSize) / float64(stats.TotalUploads)
	}

	c.JSON(http.StatusOK, gin.H{
		"totalUploads":  stats.TotalUploads,
		"activeUploads": stats.ActiveUploads,
		"failedUploads": stats.FailedUploads,
		"totalSize":     stats.TotalSize,
		"averageSpeed":  avgSpeed,
	})
}
