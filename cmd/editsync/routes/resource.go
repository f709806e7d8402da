package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/openrepo/editsync/cmd/editsync/container"
	"github.com/openrepo/editsync/cmd/editsync/handlers"
	"github.com/openrepo/editsync/cmd/editsync/middleware"
)

// RegisterResourceRoutes registers all resource editing routes
func RegisterResourceRoutes(e *echo.Echo, c *container.Container) {
	// Create handler using services from container
	h := handlers.NewResourceHandler(c)
	cfg := c.Components.Config

	var submitMW []echo.MiddlewareFunc
	if c.Limiter != nil {
		submitMW = append(submitMW, middleware.SubmitRateLimit(c.Limiter, cfg.RateLimit.SubmitLimit, cfg.RateLimit.SubmitWindow, c.Components.Logger))
	}

	resources := e.Group("/api/v1/resources/:type/:id")
	resources.Use(middleware.RequestContext())
	if secret := cfg.Auth.JWTSecret; secret != "" {
		resources.Use(middleware.JWTAuth(secret, cfg.Auth.JWTIssuer))
	} else {
		resources.Use(middleware.ExtractUsername()) // Extract X-User-ID into context
	}
	{
		resources.GET("/fields", h.GetFields)                      // GET /api/v1/resources/{type}/{id}/fields
		resources.PUT("/fields/:field_id", h.SaveField)            // PUT /api/v1/resources/{type}/{id}/fields/{field_id}
		resources.DELETE("/fields/:field_id", h.RemoveField)       // DELETE /api/v1/resources/{type}/{id}/fields/{field_id}
		resources.DELETE("/fields/:field_id/pending", h.UndoField) // DELETE /api/v1/resources/{type}/{id}/fields/{field_id}/pending
		resources.POST("/discard", h.Discard)                      // POST /api/v1/resources/{type}/{id}/discard
		resources.POST("/reinstate", h.Reinstate)                  // POST /api/v1/resources/{type}/{id}/reinstate
		resources.POST("/initialize", h.Initialize)                // POST /api/v1/resources/{type}/{id}/initialize
		resources.GET("/status", h.GetStatus)                      // GET /api/v1/resources/{type}/{id}/status
		resources.GET("/preview", h.GetPreview)                    // GET /api/v1/resources/{type}/{id}/preview
		resources.POST("/submit", h.Submit, submitMW...)           // POST /api/v1/resources/{type}/{id}/submit
		resources.GET("/journal", h.GetJournal)                    // GET /api/v1/resources/{type}/{id}/journal
		resources.GET("/ws", h.Watch)                              // GET /api/v1/resources/{type}/{id}/ws
		resources.DELETE("", h.Teardown)                           // DELETE /api/v1/resources/{type}/{id}
	}
}

// RegisterSchemaRoutes registers the read-only schema routes
func RegisterSchemaRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewSchemaHandler(c)

	e.GET("/api/v1/schema", h.ListTypes)     // GET /api/v1/schema
	e.GET("/api/v1/schema/:type", h.GetType) // GET /api/v1/schema/{type}
}
