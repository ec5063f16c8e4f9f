package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"opsledger/internal/analytics"
	"opsledger/internal/errs"
)

type AnalyticsHandler struct {
	aggregator *analytics.Aggregator
	logger     *zap.Logger
}

func NewAnalyticsHandler(aggregator *analytics.Aggregator, logger *zap.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{aggregator: aggregator, logger: logger}
}

type windowRequest struct {
	From *time.Time `json:"from"`
	To   *time.Time `json:"to"`
}

// Run handles POST /v1/analytics/run
func (h *AnalyticsHandler) Run(c *gin.Context) {
	scope, ok := scopeOf(c)
	if !ok {
		return
	}

	var req windowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		WriteError(c, h.logger, errs.Validation("body", "invalid request: %v", err))
		return
	}
	if req.From == nil || req.To == nil {
		WriteError(c, h.logger, errs.RangeRequired("both from and to are required"))
		return
	}

	s, err := h.aggregator.Run(c.Request.Context(), scope, *req.From, *req.To)
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, s)
}

// Summary handles GET /v1/analytics/summary
func (h *AnalyticsHandler) Summary(c *gin.Context) {
	scope, ok := scopeOf(c)
	if !ok {
		return
	}

	from, err := queryTime(c, "from")
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}
	to, err := queryTime(c, "to")
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}
	if from.IsZero() || to.IsZero() {
		WriteError(c, h.logger, errs.RangeRequired("both from and to are required"))
		return
	}

	s, err := h.aggregator.Latest(c.Request.Context(), scope, from, to)
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, s)
}
