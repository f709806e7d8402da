package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/h2non/gock"
	"github.com/labstack/echo/v4"
	"github.com/openrepo/editsync/cmd/editsync/container"
	"github.com/openrepo/editsync/common/bootstrap"
	"github.com/openrepo/editsync/common/config"
	"github.com/openrepo/editsync/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	backend   = "http://repo.test"
	groupPath = "/server/api/eperson/groups/g1"
	groupBase = "/api/v1/resources/group/g1"
)

func newTestServer(t *testing.T, tweak func(*config.Config)) *echo.Echo {
	t.Helper()
	t.Cleanup(gock.Off)

	cfg, err := config.Load("editsync-test")
	require.NoError(t, err)
	cfg.Backend.BaseURL = backend + "/server/api"
	cfg.Backend.Timeout = 2 * time.Second
	cfg.Cache.Enabled = false
	cfg.Features.EnableJournal = false
	if tweak != nil {
		tweak(cfg)
	}

	components, err := bootstrap.Setup(context.Background(), "editsync-test",
		bootstrap.WithCustomConfig(cfg),
		bootstrap.WithCustomLogger(logger.Discard()),
		bootstrap.WithoutDB(),
		bootstrap.WithoutRedis(),
		bootstrap.WithoutTelemetry(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = components.Shutdown(context.Background()) })

	c, err := container.NewContainer(components)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	e := echo.New()
	RegisterResourceRoutes(e, c)
	RegisterSchemaRoutes(e, c)
	return e
}

func mockGroup() {
	gock.New(backend).Get(groupPath).Persist().Reply(200).JSON(map[string]any{
		"id":       "g1",
		"type":     "group",
		"name":     "staff",
		"metadata": map[string]any{},
	})
}

func do(e *echo.Echo, method, path, body string, header ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSaveAndSubmit(t *testing.T) {
	e := newTestServer(t, nil)
	mockGroup()
	gock.New(backend).
		Patch(groupPath).
		MatchHeader("X-Request-ID", "req-1").
		Reply(200).
		JSON(map[string]any{"id": "g1", "type": "group", "name": "editors"})

	rec := do(e, http.MethodPut, groupBase+"/fields/name", `{"value":"editors"}`, "X-User-ID", "alice")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["hasUpdates"])

	rec = do(e, http.MethodGet, groupBase+"/preview", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["operations"], 1)

	rec = do(e, http.MethodPost, groupBase+"/submit", "", "X-User-ID", "alice", "X-Request-ID", "req-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, false, body["no_op"])
	assert.Len(t, body["operations"], 1)

	rec = do(e, http.MethodGet, groupBase+"/journal?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = do(e, http.MethodGet, groupBase+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["has_updates"])
}

func TestErrorMapping(t *testing.T) {
	e := newTestServer(t, nil)
	mockGroup()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"unknown type", http.MethodGet, "/api/v1/resources/widget/w1/fields", "", http.StatusNotFound},
		{"unknown field", http.MethodPut, groupBase + "/fields/dc.nope", `{"value":"x"}`, http.StatusNotFound},
		{"bad change type", http.MethodPut, groupBase + "/fields/name", `{"change_type":"MOVE","value":"x"}`, http.StatusBadRequest},
		{"bad body", http.MethodPut, groupBase + "/fields/name", `{`, http.StatusBadRequest},
		{"bad limit", http.MethodGet, groupBase + "/journal?limit=0", "", http.StatusBadRequest},
		{"nothing to reinstate", http.MethodPost, groupBase + "/reinstate", "", http.StatusConflict},
		{"unknown schema type", http.MethodGet, "/api/v1/schema/widget", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestSubmit_InvalidPage(t *testing.T) {
	e := newTestServer(t, nil)
	mockGroup()

	rec := do(e, http.MethodPut, groupBase+"/fields/name", `{"value":""}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodPost, groupBase+"/submit", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode(t, rec), "invalid_fields")
}

func TestSubmit_RemoteRejection(t *testing.T) {
	e := newTestServer(t, nil)
	mockGroup()
	gock.New(backend).Patch(groupPath).Reply(422).BodyString(`{"message":"name taken"}`)

	rec := do(e, http.MethodPut, groupBase+"/fields/name", `{"value":"taken"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodPost, groupBase+"/submit", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "remote_rejection", body["kind"])
	assert.EqualValues(t, 422, body["remote_status"])

	// the edit survives the rejection
	rec = do(e, http.MethodGet, groupBase+"/status", "")
	assert.Equal(t, true, decode(t, rec)["has_updates"])
}

func TestReadonlyVariant(t *testing.T) {
	e := newTestServer(t, func(cfg *config.Config) { cfg.Store.SchemaVariant = "readonly" })
	mockGroup()

	rec := do(e, http.MethodPut, groupBase+"/fields/name", `{"value":"x"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDiscardReinstateTeardown(t *testing.T) {
	e := newTestServer(t, nil)
	mockGroup()

	require.Equal(t, http.StatusOK, do(e, http.MethodPut, groupBase+"/fields/name", `{"value":"x"}`).Code)

	rec := do(e, http.MethodPost, groupBase+"/discard", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["hasUpdates"])

	rec = do(e, http.MethodPost, groupBase+"/reinstate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["hasUpdates"])

	assert.Equal(t, http.StatusNoContent, do(e, http.MethodDelete, groupBase, "").Code)
}

func TestSchemaRoutes(t *testing.T) {
	e := newTestServer(t, nil)

	rec := do(e, http.MethodGet, "/api/v1/schema", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 7, decode(t, rec)["count"])

	rec = do(e, http.MethodGet, "/api/v1/schema/group", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "eperson/groups", body["endpoint"])
	assert.Len(t, body["fields"], 2)
}

func TestJWTAuth(t *testing.T) {
	e := newTestServer(t, func(cfg *config.Config) { cfg.Auth.JWTSecret = "s3cret" })
	mockGroup()

	rec := do(e, http.MethodGet, groupBase+"/fields", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	rec = do(e, http.MethodGet, groupBase+"/fields", "", "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestSubmit_RateLimited(t *testing.T) {
	e := newTestServer(t, func(cfg *config.Config) { cfg.RateLimit.SubmitLimit = 1 })
	mockGroup()

	rec := do(e, http.MethodPost, groupBase+"/submit", "", "X-User-ID", "alice")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["no_op"])

	rec = do(e, http.MethodPost, groupBase+"/submit", "", "X-User-ID", "alice")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
