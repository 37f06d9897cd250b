package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/maintenance-api/internal/models"
	appErrors "github.com/noah-isme/maintenance-api/pkg/errors"
	"github.com/noah-isme/maintenance-api/pkg/middleware/requestid"
)

func perform(t *testing.T, handler gin.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(requestid.Middleware())
	r.GET("/", handler)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestid.HeaderKey, "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJSONEnvelope(t *testing.T) {
	w := perform(t, func(c *gin.Context) {
		JSON(c, http.StatusOK, []int{1, 2}, &models.Pagination{Page: 1, PageSize: 20, TotalCount: 2}, map[string]interface{}{"cache_hit": true})
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body["data"], 2)
	assert.Equal(t, float64(2), body["pagination"].(map[string]interface{})["total_count"])
	assert.Equal(t, true, body["meta"].(map[string]interface{})["cache_hit"])
	assert.NotContains(t, body, "error")
}

func TestErrorEnvelope(t *testing.T) {
	w := perform(t, func(c *gin.Context) {
		Error(c, appErrors.Clone(appErrors.ErrNotFound, "maintenance request not found"))
	})

	require.Equal(t, http.StatusNotFound, w.Code)
	var body Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.Equal(t, "req-1", body.Meta["request_id"])
}

func TestErrorHidesUntypedErrors(t *testing.T) {
	w := perform(t, func(c *gin.Context) {
		Error(c, errors.New("dial tcp: connection refused"))
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestAttachment(t *testing.T) {
	w := perform(t, func(c *gin.Context) {
		Attachment(c, "text/csv", "report.csv", []byte("a,b\n"))
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="report.csv"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "a,b\n", w.Body.String())
}
