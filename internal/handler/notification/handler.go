package notification

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/caseflow/internal/model"
	notificationService "github.com/jwalitptl/caseflow/internal/service/notification"
	apperrors "github.com/jwalitptl/caseflow/pkg/errors"
	"github.com/jwalitptl/caseflow/pkg/httputil"
)

type Handler struct {
	service notificationService.Service
}

func NewHandler(service notificationService.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/notifications/:id", h.GetNotification)
	r.POST("/notifications/:id/seen", h.MarkSeen)
	r.GET("/cases/:id/notifications", h.ListByCase)
	r.POST("/notifications", h.Enqueue)
}

type enqueueRequest struct {
	CaseID      string        `json:"case_id"`
	RecipientID string        `json:"recipient_id" binding:"required"`
	Channel     string        `json:"channel" binding:"required"`
	Template    string        `json:"template" binding:"required"`
	Language    string        `json:"language"`
	Variables   model.JSONMap `json:"variables"`
	DedupeKey   string        `json:"dedupe_key"`
}

// Enqueue queues an ad-hoc notification. A rejected or deduped request is
// not an HTTP error; the outcome is returned in the body.
func (h *Handler) Enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid request body", err))
		return
	}

	recipient, err := uuid.Parse(req.RecipientID)
	if err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid recipient_id", err))
		return
	}

	nr := model.NotificationRequest{
		RecipientID: recipient,
		Channel:     model.Channel(req.Channel),
		Template:    req.Template,
		Language:    req.Language,
		Variables:   req.Variables,
		DedupeKey:   req.DedupeKey,
	}
	if req.CaseID != "" {
		id, err := uuid.Parse(req.CaseID)
		if err != nil {
			httputil.RespondWithError(c, apperrors.BadRequest("invalid case_id", err))
			return
		}
		nr.CaseID = &id
	}

	res, err := h.service.Enqueue(c.Request.Context(), nr)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == model.EnqueueQueued {
		status = http.StatusAccepted
	}
	httputil.RespondWithSuccess(c, status, res)
}

func (h *Handler) GetNotification(c *gin.Context) {
	id, ok := parseID(c, "invalid notification ID")
	if !ok {
		return
	}
	n, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusOK, n)
}

func (h *Handler) MarkSeen(c *gin.Context) {
	id, ok := parseID(c, "invalid notification ID")
	if !ok {
		return
	}
	n, err := h.service.MarkSeen(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusOK, n)
}

func (h *Handler) ListByCase(c *gin.Context) {
	id, ok := parseID(c, "invalid case ID")
	if !ok {
		return
	}
	rows, err := h.service.ListByCase(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusOK, rows)
}

func parseID(c *gin.Context, msg string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest(msg, err))
		return uuid.Nil, false
	}
	return id, true
}
