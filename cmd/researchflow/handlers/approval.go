package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/meridianhealth/researchflow/common/state"
	"github.com/meridianhealth/researchflow/common/store"
	"github.com/meridianhealth/researchflow/workflow/approval"
)

// ApprovalHandler handles the reviewer-facing approval surface.
type ApprovalHandler struct {
	approvals *approval.Service
}

// NewApprovalHandler creates an approval handler.
func NewApprovalHandler(approvals *approval.Service) *ApprovalHandler {
	return &ApprovalHandler{approvals: approvals}
}

// ListPending lists pending approvals.
// GET /api/v1/approvals?request_id=&type=&due_within=
func (h *ApprovalHandler) ListPending(c echo.Context) error {
	filter := store.ApprovalFilter{
		RequestID: c.QueryParam("request_id"),
		Type:      state.ApprovalType(c.QueryParam("type")),
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown approval type")
	}
	if window := c.QueryParam("due_within"); window != "" {
		d, err := time.ParseDuration(window)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "due_within must be a duration")
		}
		filter.DueBefore = time.Now().Add(d)
	}

	pending, err := h.approvals.ListPending(c.Request().Context(), filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"approvals": pending,
		"count":     len(pending),
	})
}

// Get returns one approval.
// GET /api/v1/approvals/:id
func (h *ApprovalHandler) Get(c echo.Context) error {
	record, err := h.approvals.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown approval")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, record)
}

// Decide records a reviewer decision.
// POST /api/v1/approvals/:id/decide
func (h *ApprovalHandler) Decide(c echo.Context) error {
	var req approval.DecideRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.ApprovalID = c.Param("id")

	err := h.approvals.Decide(c.Request().Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "unknown approval")
		case errors.Is(err, store.ErrAlreadyDecided):
			return echo.NewHTTPError(http.StatusConflict, "approval already decided")
		case errors.Is(err, approval.ErrInvalid):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"approval_id": req.ApprovalID,
		"decision":    req.Decision,
	})
}
