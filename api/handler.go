package api

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"clipscribe/config"
	"clipscribe/task"

	"github.com/gin-gonic/gin"
)

// Version is reported by the health endpoints.
var Version = "dev"

type Handler struct {
	taskManager *task.Manager
	cfg         *config.Config
}

func NewHandler(tm *task.Manager, cfg *config.Config) *Handler {
	return &Handler{
		taskManager: tm,
		cfg:         cfg,
	}
}

type TaskRequest struct {
	URL         string `json:"url" form:"url" binding:"required,url"`
	CallbackURL string `json:"callback_url" form:"callback_url" binding:"omitempty,url"`
	Proxy       string `json:"proxy" form:"proxy"`
}

// writeError maps pipeline errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
	case errors.Is(err, task.ErrStoreUnavailable):
		slog.Error("task store unavailable", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Task store unavailable"})
	case errors.Is(err, task.ErrInvalidURL):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		slog.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error", "details": err.Error()})
	}
}

// handleCreateTask records a pending task and schedules it.
func (h *Handler) handleCreateTask(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := h.taskManager.Submit(c.Request.Context(), task.SubmitRequest{
		URL:         req.URL,
		CallbackURL: req.CallbackURL,
		Proxy:       req.Proxy,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, t)
}

// handleListTasks lists tasks newest first, optionally filtered by status.
func (h *Handler) handleListTasks(c *gin.Context) {
	opts := task.ListOptions{}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		opts.Limit = n
	}
	if raw := c.Query("status"); raw != "" {
		if !task.Status(raw).Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status: " + raw})
			return
		}
		opts.Where = map[string]string{"status": raw}
	}

	tasks, err := h.taskManager.List(c.Request.Context(), opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// handleGetTaskStatus retrieves a single task record.
func (h *Handler) handleGetTaskStatus(c *gin.Context) {
	t, err := h.taskManager.Get(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// handleDeleteTask removes the record, then the task's files.
func (h *Handler) handleDeleteTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if err := h.taskManager.Delete(c.Request.Context(), taskID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task deleted", "task_id": taskID})
}

// insideTaskDir reports whether path lies under the task's own directory.
func (h *Handler) insideTaskDir(taskID, path string) bool {
	rel, err := filepath.Rel(h.taskManager.TaskDir(taskID), path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// handleGetTranscript serves the transcript document of a completed task.
func (h *Handler) handleGetTranscript(c *gin.Context) {
	taskID := c.Param("taskId")
	t, err := h.taskManager.Get(c.Request.Context(), taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	if t.Status != task.StatusCompleted {
		msg := "Transcript not available, task status: " + string(t.Status)
		if t.Error != "" {
			msg += " (" + t.Error + ")"
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	text := t.Transcript
	if t.TranscriptFilePath != "" && h.insideTaskDir(taskID, t.TranscriptFilePath) {
		if raw, err := os.ReadFile(t.TranscriptFilePath); err == nil {
			text = string(raw)
		} else {
			slog.Warn("transcript file unreadable, serving stored text", "task_id", taskID, "error", err)
		}
	}

	if c.Query("format") == "json" {
		c.JSON(http.StatusOK, gin.H{"task_id": taskID, "transcript": text})
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(text))
}

// handleGetThumbnail serves the downloaded thumbnail, else redirects to the remote one.
func (h *Handler) handleGetThumbnail(c *gin.Context) {
	taskID := c.Param("taskId")
	t, err := h.taskManager.Get(c.Request.Context(), taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	if p := t.ThumbnailLocalPath; p != "" && h.insideTaskDir(taskID, p) {
		if _, err := os.Stat(p); err == nil {
			c.File(p)
			return
		}
	}
	if t.ThumbnailURL != "" {
		c.Redirect(http.StatusFound, t.ThumbnailURL)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "Thumbnail not found"})
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"version":   Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
