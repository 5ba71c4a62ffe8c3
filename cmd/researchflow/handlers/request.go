package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/meridianhealth/researchflow/common/store"
	"github.com/meridianhealth/researchflow/workflow/engine"
)

// RequestHandler handles research request submission and inspection.
type RequestHandler struct {
	requests *engine.Service
}

// NewRequestHandler creates a request handler.
func NewRequestHandler(requests *engine.Service) *RequestHandler {
	return &RequestHandler{requests: requests}
}

// Submit creates a new research data request.
// POST /api/v1/requests
func (h *RequestHandler) Submit(c echo.Context) error {
	var req engine.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	doc, err := h.requests.Submit(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"request_id":    doc.RequestID,
		"current_state": doc.CurrentState,
		"created_at":    doc.CreatedAt,
	})
}

// Status returns the canonical workflow document.
// GET /api/v1/requests/:id
func (h *RequestHandler) Status(c echo.Context) error {
	doc, version, err := h.requests.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown request")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"version":  version,
		"workflow": doc,
	})
}

// Audit returns the append-only audit stream for a request.
// GET /api/v1/requests/:id/audit
func (h *RequestHandler) Audit(c echo.Context) error {
	events, err := h.requests.Audit(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown request")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// Cancel requests administrative cancellation.
// POST /api/v1/requests/:id/cancel
func (h *RequestHandler) Cancel(c echo.Context) error {
	var body struct {
		Actor string `json:"actor"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if body.Actor == "" {
		body.Actor = "admin"
	}

	err := h.requests.Cancel(c.Request().Context(), c.Param("id"), body.Actor)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "unknown request")
		case errors.Is(err, store.ErrTerminalState):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"request_id": c.Param("id"),
		"cancelled":  true,
	})
}
