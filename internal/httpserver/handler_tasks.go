package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"smarttasks/internal/docstore"
	"smarttasks/internal/model"
	"smarttasks/internal/repository"
)

const (
	defaultTaskLimit = 50
	maxTaskLimit     = 500
)

// TaskHandler serves ingestion and the task list. Writes are tagged so the
// change feed can tell them apart from pipeline bookkeeping.
type TaskHandler struct {
	repo *repository.TaskRepository
}

func NewTaskHandler(repo *repository.TaskRepository) *TaskHandler {
	return &TaskHandler{repo: repo}
}

type ingestRequest struct {
	EmailID    string     `json:"emailId" binding:"required"`
	Subject    string     `json:"subject"`
	Sender     string     `json:"sender"`
	Body       string     `json:"body"`
	ReceivedAt *time.Time `json:"receivedAt"`
}

// Ingest handles POST /documents
func (h *TaskHandler) Ingest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "emailId is required"})
		return
	}

	doc := &model.TaskDocument{
		EmailID: strings.TrimSpace(req.EmailID),
		Subject: req.Subject,
		Sender:  req.Sender,
		Body:    req.Body,
	}
	if req.ReceivedAt != nil {
		doc.CreatedAt = *req.ReceivedAt
	}

	ctx := docstore.WithOrigin(c.Request.Context(), docstore.OriginExternal)
	if err := h.repo.Insert(ctx, doc); err != nil {
		if errors.Is(err, docstore.ErrDuplicateKey) {
			c.JSON(http.StatusConflict, gin.H{"error": "document already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store document"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"emailId": doc.EmailID})
}

type listTasksQuery struct {
	Urgency          string `form:"urgency"`
	IncludeCompleted bool   `form:"include_completed"`
	Limit            uint64 `form:"limit"`
	Skip             uint64 `form:"skip"`
}

// List handles GET /tasks
func (h *TaskHandler) List(c *gin.Context) {
	var q listTasksQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	urgency, err := model.ParseUrgency(q.Urgency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if q.Limit == 0 {
		q.Limit = defaultTaskLimit
	}
	if q.Limit > maxTaskLimit {
		q.Limit = maxTaskLimit
	}

	tasks, err := h.repo.ListTasks(c.Request.Context(), repository.TaskQuery{
		Urgency:          urgency,
		IncludeCompleted: q.IncludeCompleted,
		Limit:            q.Limit,
		Skip:             q.Skip,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch tasks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

type updateTaskRequest struct {
	Urgency *string `json:"urgency"`
	// Deadline is a date (2006-01-02) or RFC 3339 time. An empty string clears it.
	Deadline  *string `json:"deadline"`
	Completed *bool   `json:"completed"`
}

// Update handles PATCH /tasks/:emailId
func (h *TaskHandler) Update(c *gin.Context) {
	id := c.Param("emailId")
	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if req.Urgency == nil && req.Deadline == nil && req.Completed == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}

	var (
		urgency  model.Urgency
		deadline *time.Time
		err      error
	)
	if req.Urgency != nil {
		if urgency, err = model.ParseUrgency(*req.Urgency); err != nil || urgency == model.UrgencyNone {
			c.JSON(http.StatusBadRequest, gin.H{"error": "urgency must be NotUrgent, SomewhatUrgent or Urgent"})
			return
		}
	}
	if req.Deadline != nil && *req.Deadline != "" {
		if deadline, err = parseDeadline(*req.Deadline); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid deadline"})
			return
		}
	}

	ctx := docstore.WithOrigin(c.Request.Context(), docstore.OriginUser)
	err = h.apply(ctx, id, req, urgency, deadline)
	switch {
	case err == nil:
	case repository.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update task"})
		return
	}

	doc, err := h.repo.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reload task"})
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *TaskHandler) apply(ctx context.Context, id string, req updateTaskRequest, urgency model.Urgency, deadline *time.Time) error {
	if req.Urgency != nil {
		if err := h.repo.SetUrgency(ctx, id, urgency); err != nil {
			return err
		}
	}
	if req.Deadline != nil {
		if err := h.repo.SetDeadline(ctx, id, deadline); err != nil {
			return err
		}
	}
	if req.Completed != nil {
		if err := h.repo.SetCompleted(ctx, id, *req.Completed); err != nil {
			return err
		}
	}
	return nil
}

// Delete handles DELETE /tasks/:emailId
func (h *TaskHandler) Delete(c *gin.Context) {
	ctx := docstore.WithOrigin(c.Request.Context(), docstore.OriginUser)
	if err := h.repo.ResetTask(ctx, c.Param("emailId")); err != nil {
		if repository.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete task"})
		return
	}
	c.Status(http.StatusNoContent)
}

func parseDeadline(s string) (*time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
