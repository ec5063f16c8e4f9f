package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"opsledger/internal/errs"
	"opsledger/internal/model"
	"opsledger/internal/notify"
)

type NotificationHandler struct {
	notifications *notify.Service
	logger        *zap.Logger
}

func NewNotificationHandler(notifications *notify.Service, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{notifications: notifications, logger: logger}
}

type createNotificationRequest struct {
	model.NotificationDraft
	Dispatch *bool `json:"dispatch,omitempty"`
}

// Create handles POST /v1/notifications
func (h *NotificationHandler) Create(c *gin.Context) {
	scope, ok := scopeOf(c)
	if !ok {
		return
	}

	var req createNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		WriteError(c, h.logger, errs.Validation("body", "invalid request: %v", err))
		return
	}
	dispatch := req.Dispatch == nil || *req.Dispatch

	n, err := h.notifications.Create(c.Request.Context(), scope, &req.NotificationDraft, dispatch)
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, n)
}

// Update handles PATCH /v1/notifications/:id
func (h *NotificationHandler) Update(c *gin.Context) {
	scope, ok := scopeOf(c)
	if !ok {
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}

	var patch notify.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		WriteError(c, h.logger, errs.Validation("body", "invalid request: %v", err))
		return
	}

	n, err := h.notifications.Update(c.Request.Context(), scope, id, patch)
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, n)
}

// Get handles GET /v1/notifications/:id
func (h *NotificationHandler) Get(c *gin.Context) {
	scope, ok := scopeOf(c)
	if !ok {
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}

	n, err := h.notifications.Get(c.Request.Context(), scope, id)
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, n)
}

// List handles GET /v1/notifications
func (h *NotificationHandler) List(c *gin.Context) {
	scope, ok := scopeOf(c)
	if !ok {
		return
	}

	lq := notify.ListQuery{
		RecipientID:   c.Query("recipient"),
		RecipientKind: model.RecipientKind(c.Query("recipient_kind")),
	}
	var err error
	if lq.UnreadOnly, err = queryBool(c, "unread"); err != nil {
		WriteError(c, h.logger, err)
		return
	}
	if lq.Limit, err = queryInt(c, "limit"); err != nil {
		WriteError(c, h.logger, err)
		return
	}
	if lq.Offset, err = queryInt(c, "offset"); err != nil {
		WriteError(c, h.logger, err)
		return
	}

	res, err := h.notifications.List(c.Request.Context(), scope, lq)
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}
	if res.Notifications == nil {
		res.Notifications = []*model.Notification{}
	}

	c.JSON(http.StatusOK, res)
}
