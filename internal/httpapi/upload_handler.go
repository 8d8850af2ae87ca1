package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/chunkflow/coordinator/internal/models"
	"github.com/chunkflow/coordinator/internal/session"
)

// UploadHandler exposes the Session Manager's operations over HTTP.
type UploadHandler struct {
	mgr *session.Manager
}

func NewUploadHandler(mgr *session.Manager) *UploadHandler {
	return &UploadHandler{mgr: mgr}
}

type initRequest struct {
	FileName    string `json:"fileName" binding:"required"`
	FileSize    int64  `json:"fileSize" binding:"required"`
	FileType    string `json:"fileType" binding:"required"`
	TotalChunks int    `json:"totalChunks" binding:"required"`
}

// Init handles POST /api/upload/init
func (h *UploadHandler) Init(c *gin.Context) {
	var req initRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "BadRequest", "message": err.Error()}})
		return
	}

	handle, err := h.mgr.Init(c.Request.Context(), models.Declared{
		FileName:    req.FileName,
		FileSize:    req.FileSize,
		FileType:    req.FileType,
		TotalChunks: req.TotalChunks,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"uploadId": handle})
}

// Chunk handles POST /api/upload/chunk/:uploadId
func (h *UploadHandler) Chunk(c *gin.Context) {
	handle := c.Param("uploadId")

	indexStr := c.PostForm("chunkIndex")
	index, err := strconv.Atoi(indexStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "BadRequest", "message": "chunkIndex must be an integer"}})
		return
	}

	totalChunksHint := 0
	if v := c.PostForm("totalChunks"); v != "" {
		totalChunksHint, _ = strconv.Atoi(v)
	}
	fileType := c.PostForm("fileType")

	fileHeader, err := c.FormFile("chunk")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "BadRequest", "message": "chunk file part is required"}})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "BadRequest", "message": "could not read chunk part"}})
		return
	}
	defer file.Close()

	progress, err := h.mgr.PutChunk(c.Request.Context(), handle, index, fileType, totalChunksHint, file, fileHeader.Size)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "progress": progress})
}

type completeRequest struct {
	Checksum string `json:"checksum,omitempty"`
}

// Complete handles POST /api/upload/complete/:uploadId
func (h *UploadHandler) Complete(c *gin.Context) {
	handle := c.Param("uploadId")

	var req completeRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	final, err := h.mgr.Complete(c.Request.Context(), handle, req.Checksum)
	if err != nil {
		writeError(c, err)
		return
	}

	rec, err := h.mgr.Status(c.Request.Context(), handle)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"uploadSpeed": rec.UploadSpeed(),
		"status":      string(rec.Status),
		"final":       final,
	})
}

// Status handles GET /api/upload/status/:uploadId
func (h *UploadHandler) Status(c *gin.Context) {
	handle := c.Param("uploadId")

	rec, err := h.mgr.Status(c.Request.Context(), handle)
	if err != nil {
		writeError(c, err)
		return
	}

	progress := rec.Progress()
	c.JSON(http.StatusOK, gin.H{
		"status":         string(rec.Status),
		"uploadedChunks": progress.ReceivedCount,
		"totalChunks":    progress.TotalCount,
		"progress":       progress.Percentage,
	})
}

// Resume handles GET /api/upload/resume/:uploadId
func (h *UploadHandler) Resume(c *gin.Context) {
	handle := c.Param("uploadId")

	info, err := h.mgr.Resume(c.Request.Context(), handle)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"receivedIndices": info.ReceivedIndices, "totalChunks": info.TotalCount})
}

// Abort handles DELETE /api/upload/:uploadId
func (h *UploadHandler) Abort(c *gin.Context) {
	handle := c.Param("uploadId")

	if err := h.mgr.Abort(c.Request.Context(), handle); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
