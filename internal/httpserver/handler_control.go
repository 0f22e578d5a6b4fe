package httpserver

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"smarttasks/internal/repository"
)

type ControlHandler struct {
	repo       *repository.TaskRepository
	controller Controller
}

func NewControlHandler(repo *repository.TaskRepository, controller Controller) *ControlHandler {
	return &ControlHandler{repo: repo, controller: controller}
}

type controlResponse struct {
	Triggered       bool       `json:"triggered"`
	Running         bool       `json:"running"`
	LastReconcileAt *time.Time `json:"lastReconcileAt,omitempty"`
	LastReprocessAt *time.Time `json:"lastReprocessAt,omitempty"`
	LastDigestAt    *time.Time `json:"lastDigestAt,omitempty"`
	FeedPosition    int64      `json:"feedPosition"`
	FeedHorizon     int64      `json:"feedHorizon"`
}

// Get handles GET /control
func (h *ControlHandler) Get(c *gin.Context) {
	ctrl, err := h.repo.LoadControl(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load control record"})
		return
	}
	c.JSON(http.StatusOK, controlResponse{
		Triggered:       ctrl.Triggered,
		Running:         h.controller.Running(),
		LastReconcileAt: ctrl.LastReconcileAt,
		LastReprocessAt: ctrl.LastReprocessAt,
		LastDigestAt:    ctrl.LastDigestAt,
		FeedPosition:    ctrl.FeedPosition,
		FeedHorizon:     ctrl.FeedHorizon,
	})
}

type controlRequest struct {
	Triggered *bool `json:"triggered" binding:"required"`
}

// Put handles PUT /control
func (h *ControlHandler) Put(c *gin.Context) {
	var req controlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "triggered is required"})
		return
	}
	if err := h.controller.SetTriggered(c.Request.Context(), *req.Triggered); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update control record"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"triggered": *req.Triggered, "running": h.controller.Running()})
}
