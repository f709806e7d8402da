package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/openrepo/editsync/cmd/editsync/container"
	"github.com/openrepo/editsync/cmd/editsync/fanout"
	"github.com/openrepo/editsync/cmd/editsync/middleware"
	"github.com/openrepo/editsync/cmd/editsync/service"
	"github.com/openrepo/editsync/common/gateway"
	"github.com/openrepo/editsync/common/logger"
	"github.com/openrepo/editsync/common/models"
	"github.com/openrepo/editsync/common/schema"
)

// ResourceHandler handles HTTP requests for editing one resource's fields
type ResourceHandler struct {
	log      *logger.Logger
	sessions *service.EditSessionService
	hub      *fanout.Hub
	upgrader *websocket.Upgrader
}

// NewResourceHandler creates a new resource handler
func NewResourceHandler(c *container.Container) *ResourceHandler {
	return &ResourceHandler{
		log:      c.Components.Logger,
		sessions: c.EditSessions,
		hub:      c.Hub,
		upgrader: c.Upgrader,
	}
}

// saveFieldRequest is the body of PUT /fields/:field_id
type saveFieldRequest struct {
	ChangeType string `json:"change_type"`
	Value      any    `json:"value"`
}

// GetFields returns the merged view of the resource's fields
// GET /api/v1/resources/:type/:id/fields
func (h *ResourceHandler) GetFields(c echo.Context) error {
	snap, err := h.sessions.Fields(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// SaveField records a pending change of one field
// PUT /api/v1/resources/:type/:id/fields/:field_id
func (h *ResourceHandler) SaveField(c echo.Context) error {
	var req saveFieldRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}

	changeType := models.ChangeUpdate
	if req.ChangeType != "" {
		ct, ok := models.ParseChangeType(req.ChangeType)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"error": "change_type must be one of ADD, UPDATE, DELETE, REMOVE",
			})
		}
		changeType = ct
	}

	snap, err := h.sessions.SaveField(c.Request().Context(), c.Param("type"), c.Param("id"), c.Param("field_id"), changeType, req.Value)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// RemoveField marks a field for removal
// DELETE /api/v1/resources/:type/:id/fields/:field_id
func (h *ResourceHandler) RemoveField(c echo.Context) error {
	snap, err := h.sessions.RemoveField(c.Request().Context(), c.Param("type"), c.Param("id"), c.Param("field_id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// UndoField drops the pending change of one field
// DELETE /api/v1/resources/:type/:id/fields/:field_id/pending
func (h *ResourceHandler) UndoField(c echo.Context) error {
	snap, err := h.sessions.UndoField(c.Request().Context(), c.Param("type"), c.Param("id"), c.Param("field_id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// Discard drops every pending change
// POST /api/v1/resources/:type/:id/discard
func (h *ResourceHandler) Discard(c echo.Context) error {
	snap, err := h.sessions.Discard(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// Reinstate restores the last discarded changes
// POST /api/v1/resources/:type/:id/reinstate
func (h *ResourceHandler) Reinstate(c echo.Context) error {
	snap, err := h.sessions.Reinstate(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// Initialize refetches the resource from the backend, dropping pending changes
// POST /api/v1/resources/:type/:id/initialize
func (h *ResourceHandler) Initialize(c echo.Context) error {
	snap, err := h.sessions.Reinitialize(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// GetStatus reports pending state and page validity
// GET /api/v1/resources/:type/:id/status
func (h *ResourceHandler) GetStatus(c echo.Context) error {
	status, err := h.sessions.Status(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

// GetPreview returns the patch a submit would send and the resulting document
// GET /api/v1/resources/:type/:id/preview
func (h *ResourceHandler) GetPreview(c echo.Context) error {
	preview, err := h.sessions.Preview(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, preview)
}

// Submit sends the pending changes as one JSON Patch
// POST /api/v1/resources/:type/:id/submit
func (h *ResourceHandler) Submit(c echo.Context) error {
	h.log.WithContext(c.Request().Context()).Info("submitting resource",
		"type", c.Param("type"),
		"id", c.Param("id"),
		"username", middleware.GetUsername(c),
	)

	result, err := h.sessions.Submit(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// GetJournal lists recent submits, newest first
// GET /api/v1/resources/:type/:id/journal?limit=20
func (h *ResourceHandler) GetJournal(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"error": "limit must be a positive integer",
			})
		}
		limit = n
	}

	entries, err := h.sessions.Journal(c.Request().Context(), c.Param("type"), c.Param("id"), limit)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// Teardown stops tracking the resource
// DELETE /api/v1/resources/:type/:id
func (h *ResourceHandler) Teardown(c echo.Context) error {
	if err := h.sessions.Teardown(c.Request().Context(), c.Param("type"), c.Param("id")); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Watch upgrades to a websocket streaming snapshots and notifications
// GET /api/v1/resources/:type/:id/ws
func (h *ResourceHandler) Watch(c echo.Context) error {
	target, sub, err := h.sessions.Subscribe(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	if err := h.hub.Serve(h.upgrader, c.Response(), c.Request(), target.URL, sub); err != nil {
		// the upgrader has already written the HTTP error
		h.log.Warn("websocket not established", "resource_url", target.URL, "error", err)
	}
	return nil
}

// fail maps domain errors to HTTP statuses
func (h *ResourceHandler) fail(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	body := map[string]interface{}{"error": err.Error()}

	var verr *service.ValidationError
	var submitErr *gateway.SubmitError
	switch {
	case errors.Is(err, schema.ErrUnknownType), errors.Is(err, schema.ErrUnknownField):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidChange):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNotPermitted):
		status = http.StatusForbidden
	case errors.As(err, &verr):
		status = http.StatusUnprocessableEntity
		if len(verr.Fields) > 0 {
			fields := make(map[string]string, len(verr.Fields))
			for id, ferr := range verr.Fields {
				fields[id] = ferr.Error()
			}
			body["invalid_fields"] = fields
		}
	case errors.Is(err, gateway.ErrConcurrentSubmit), errors.Is(err, service.ErrNothingToReinstate):
		status = http.StatusConflict
	case errors.As(err, &submitErr):
		status = http.StatusBadGateway
		body["kind"] = submitErr.Kind
		if submitErr.Status != 0 {
			body["remote_status"] = submitErr.Status
		}
		if submitErr.Kind == gateway.RemoteRejection && submitErr.Status == http.StatusNotFound {
			status = http.StatusNotFound
		}
	}

	if status >= http.StatusInternalServerError {
		h.log.WithContext(c.Request().Context()).Warn("request failed", "path", c.Path(), "status", status, "error", err)
	}
	return c.JSON(status, body)
}
