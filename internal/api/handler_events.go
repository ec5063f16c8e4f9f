package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"opsledger/internal/errs"
	"opsledger/internal/ingest"
	"opsledger/internal/ledger"
	"opsledger/internal/model"
)

// IdempotencyHeader carries the caller's replay key on writes.
const IdempotencyHeader = "Idempotency-Key"

type EventHandler struct {
	ingest *ingest.Service
	ledger *ledger.Ledger
	logger *zap.Logger
}

func NewEventHandler(ingestService *ingest.Service, l *ledger.Ledger, logger *zap.Logger) *EventHandler {
	return &EventHandler{ingest: ingestService, ledger: l, logger: logger}
}

// Record handles POST /v1/activity-events
func (h *EventHandler) Record(c *gin.Context) {
	scope, ok := scopeOf(c)
	if !ok {
		return
	}

	var draft model.EventDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		WriteError(c, h.logger, errs.Validation("body", "invalid request: %v", err))
		return
	}

	var opts []ingest.RecordOption
	if key := strings.TrimSpace(c.GetHeader(IdempotencyHeader)); key != "" {
		opts = append(opts, ingest.WithIdempotencyKey(key))
	}

	id, err := h.ingest.Record(c.Request.Context(), scope, &draft, opts...)
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id})
}

type eventPage struct {
	Events     []*model.ActivityEvent `json:"events"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

// Query handles GET /v1/activity-events
func (h *EventHandler) Query(c *gin.Context) {
	scope, ok := scopeOf(c)
	if !ok {
		return
	}

	q, err := eventQuery(c)
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}

	page, err := h.ledger.Query(c.Request.Context(), scope, q)
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, eventPage{Events: page.Events, NextCursor: ledger.EncodeCursor(page.Next)})
}

func eventQuery(c *gin.Context) (model.EventQuery, error) {
	q := model.EventQuery{
		TenantID:    c.Query("tenant"),
		EntityType:  c.Query("entity_type"),
		EntityID:    c.Query("entity_id"),
		ParentType:  c.Query("parent_type"),
		ParentID:    c.Query("parent_id"),
		Category:    model.Category(c.Query("category")),
		MinSeverity: model.Severity(c.Query("min_severity")),
		ActorID:     c.Query("actor_id"),
	}
	for _, raw := range c.QueryArray("type") {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				q.Types = append(q.Types, t)
			}
		}
	}

	var err error
	if q.From, err = queryTime(c, "from"); err != nil {
		return q, err
	}
	if q.To, err = queryTime(c, "to"); err != nil {
		return q, err
	}
	if q.IncludeArchived, err = queryBool(c, "include_archived"); err != nil {
		return q, err
	}
	if q.Limit, err = queryInt(c, "limit"); err != nil {
		return q, err
	}
	if q.After, err = ledger.DecodeCursor(c.Query("cursor")); err != nil {
		return q, err
	}
	return q, nil
}

// Get handles GET /v1/activity-events/:id
func (h *EventHandler) Get(c *gin.Context) {
	scope, ok := scopeOf(c)
	if !ok {
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}

	e, err := h.ledger.Get(c.Request.Context(), scope, id)
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, e)
}
