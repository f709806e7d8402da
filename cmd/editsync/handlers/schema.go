package handlers

import (
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"
	"github.com/openrepo/editsync/cmd/editsync/container"
	"github.com/openrepo/editsync/common/models"
	"github.com/openrepo/editsync/common/schema"
)

// SchemaHandler exposes the editable field declarations
type SchemaHandler struct {
	schema *schema.Schema
}

// NewSchemaHandler creates a new schema handler
func NewSchemaHandler(c *container.Container) *SchemaHandler {
	return &SchemaHandler{schema: c.Schema}
}

type resourceTypeResponse struct {
	Type         string         `json:"type"`
	Endpoint     string         `json:"endpoint"`
	Variant      string         `json:"variant"`
	Capabilities []string       `json:"capabilities"`
	Fields       []models.Field `json:"fields"`
}

// ListTypes returns every resource type
// GET /api/v1/schema
func (h *SchemaHandler) ListTypes(c echo.Context) error {
	types := h.schema.Types()
	sort.Strings(types)

	out := make([]resourceTypeResponse, 0, len(types))
	for _, typ := range types {
		res, err := h.schema.Resource(typ)
		if err != nil {
			// removed by a concurrent reload
			continue
		}
		out = append(out, describe(res))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"types": out,
		"count": len(out),
	})
}

// GetType returns one resource type
// GET /api/v1/schema/:type
func (h *SchemaHandler) GetType(c echo.Context) error {
	res, err := h.schema.Resource(c.Param("type"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, describe(res))
}

func describe(res *schema.Resource) resourceTypeResponse {
	return resourceTypeResponse{
		Type:         res.Type,
		Endpoint:     res.Endpoint,
		Variant:      res.Variant.Name,
		Capabilities: res.Variant.CapabilityNames(),
		Fields:       res.Fields,
	}
}
