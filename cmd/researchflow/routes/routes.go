package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/meridianhealth/researchflow/cmd/researchflow/container"
	"github.com/meridianhealth/researchflow/cmd/researchflow/handlers"
	"github.com/meridianhealth/researchflow/common/middleware"
)

// RegisterRequestRoutes registers research request routes
func RegisterRequestRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewRequestHandler(c.RequestService)

	submitLimit := middleware.SubmitRateLimitMiddleware(
		c.RateLimiter,
		c.Components.Config.Service.SubmitRateLimit,
		c.Components.Config.Service.ClientRateLimit,
	)

	requests := e.Group("/api/v1/requests")
	{
		requests.POST("", h.Submit, submitLimit) // POST /api/v1/requests
		requests.GET("/:id", h.Status)           // GET /api/v1/requests/{request_id}
		requests.GET("/:id/audit", h.Audit)      // GET /api/v1/requests/{request_id}/audit
		requests.POST("/:id/cancel", h.Cancel)   // POST /api/v1/requests/{request_id}/cancel
	}
}

// RegisterApprovalRoutes registers reviewer routes
func RegisterApprovalRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewApprovalHandler(c.ApprovalService)

	approvals := e.Group("/api/v1/approvals")
	{
		approvals.GET("", h.ListPending)           // GET /api/v1/approvals?request_id=&type=
		approvals.GET("/:id", h.Get)               // GET /api/v1/approvals/{approval_id}
		approvals.POST("/:id/decide", h.Decide)    // POST /api/v1/approvals/{approval_id}/decide
	}
}
