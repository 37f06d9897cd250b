package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/maintenance-api/internal/dto"
	"github.com/noah-isme/maintenance-api/internal/middleware"
	"github.com/noah-isme/maintenance-api/internal/models"
	"github.com/noah-isme/maintenance-api/internal/service"
	appErrors "github.com/noah-isme/maintenance-api/pkg/errors"
	"github.com/noah-isme/maintenance-api/pkg/export"
)

type maintenanceServiceMock struct {
	request     *models.MaintenanceRequest
	cacheHit    bool
	err         error
	gotPayload  dto.MaintenanceRequestPayload
	gotActor    service.Actor
	gotID       int64
	gotFilter   models.MaintenanceRequestFilter
	gotFormat   string
	gotProtocol string
}

func (m *maintenanceServiceMock) Create(ctx context.Context, payload dto.MaintenanceRequestPayload, actor service.Actor) (*models.MaintenanceRequest, error) {
	m.gotPayload, m.gotActor = payload, actor
	return m.request, m.err
}

func (m *maintenanceServiceMock) Update(ctx context.Context, id int64, payload dto.MaintenanceRequestPayload, actor service.Actor) (*models.MaintenanceRequest, error) {
	m.gotID, m.gotPayload, m.gotActor = id, payload, actor
	return m.request, m.err
}

func (m *maintenanceServiceMock) Show(ctx context.Context, id int64) (*models.MaintenanceRequest, bool, error) {
	m.gotID = id
	return m.request, m.cacheHit, m.err
}

func (m *maintenanceServiceMock) FindByProtocol(ctx context.Context, protocol string) (*models.MaintenanceRequest, error) {
	m.gotProtocol = protocol
	return m.request, m.err
}

func (m *maintenanceServiceMock) Delete(ctx context.Context, id int64, actor service.Actor) error {
	m.gotID, m.gotActor = id, actor
	return m.err
}

func (m *maintenanceServiceMock) List(ctx context.Context, filter models.MaintenanceRequestFilter) ([]models.MaintenanceRequest, *models.Pagination, error) {
	m.gotFilter = filter
	if m.err != nil {
		return nil, nil, m.err
	}
	return []models.MaintenanceRequest{*m.request}, &models.Pagination{Page: 1, PageSize: 20, TotalCount: 1}, nil
}

func (m *maintenanceServiceMock) Export(ctx context.Context, filter models.MaintenanceRequestFilter, format string) ([]byte, export.Format, string, error) {
	m.gotFilter, m.gotFormat = filter, format
	if m.err != nil {
		return nil, "", "", m.err
	}
	return []byte("ID,Title\n10,Leak\n"), export.FormatCSV, "maintenance-requests.csv", nil
}

type envelope struct {
	Data       json.RawMessage        `json:"data"`
	Error      *appErrors.Error       `json:"error"`
	Pagination *models.Pagination     `json:"pagination"`
	Meta       map[string]interface{} `json:"meta"`
}

func newMaintenanceRouter(svc *maintenanceServiceMock, claims *models.JWTClaims) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewMaintenanceRequestHandler(svc, true)
	r := gin.New()
	r.Use(middleware.WithResponseMeta(), func(c *gin.Context) {
		if claims != nil {
			c.Set(middleware.ContextUserKey, claims)
		}
		c.Next()
	})
	group := r.Group("/maintenance-requests")
	group.GET("", h.List)
	group.GET("/export", h.Export)
	group.GET("/protocol", h.FindByProtocol)
	group.GET("/:id", h.Get)
	group.POST("", h.Create)
	group.PATCH("/:id", h.Update)
	group.DELETE("/:id", h.Delete)
	return r
}

func doRequest(t *testing.T, r *gin.Engine, method, path string, body []byte) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "handler-test")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func sampleRequest() *models.MaintenanceRequest {
	protocol := "MR-2024-0010"
	return &models.MaintenanceRequest{ID: 10, Title: "Leak", ProtocolNumber: &protocol}
}

func TestMaintenanceHandlerGetReportsCacheHit(t *testing.T) {
	svc := &maintenanceServiceMock{request: sampleRequest(), cacheHit: true}
	r := newMaintenanceRouter(svc, &models.JWTClaims{UserID: 1, Role: models.RoleRequester})

	w, env := doRequest(t, r, http.MethodGet, "/maintenance-requests/10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(10), svc.gotID)
	assert.Equal(t, true, env.Meta["cache_hit"])
	assert.Contains(t, string(env.Data), `"Leak"`)
}

func TestMaintenanceHandlerRejectsBadID(t *testing.T) {
	r := newMaintenanceRouter(&maintenanceServiceMock{}, nil)
	for _, path := range []string{"/maintenance-requests/abc", "/maintenance-requests/0", "/maintenance-requests/-3"} {
		w, env := doRequest(t, r, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		require.NotNil(t, env.Error)
		assert.Equal(t, appErrors.ErrValidation.Code, env.Error.Code)
	}
}

func TestMaintenanceHandlerGetNotFound(t *testing.T) {
	svc := &maintenanceServiceMock{err: appErrors.Clone(appErrors.ErrNotFound, "maintenance request not found")}
	r := newMaintenanceRouter(svc, nil)

	w, env := doRequest(t, r, http.MethodGet, "/maintenance-requests/99", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestMaintenanceHandlerUpdateKeepsNullDistinctFromAbsent(t *testing.T) {
	svc := &maintenanceServiceMock{request: sampleRequest()}
	claims := &models.JWTClaims{UserID: 4, Role: models.RoleTechnician}
	r := newMaintenanceRouter(svc, claims)

	body := []byte(`{"assignedTo": null, "space": {"id": 5}, "statuses": {"status": "IN_PROGRESS", "description": "x"}}`)
	w, _ := doRequest(t, r, http.MethodPatch, "/maintenance-requests/10", body)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, int64(10), svc.gotID)
	assert.True(t, svc.gotPayload.AssignedTo.Set)
	assert.True(t, svc.gotPayload.AssignedTo.Null)
	assert.True(t, svc.gotPayload.Space.Set)
	require.NotNil(t, svc.gotPayload.Space.Value.ID)
	assert.Equal(t, int64(5), *svc.gotPayload.Space.Value.ID)
	assert.False(t, svc.gotPayload.Building.Set)
	assert.Equal(t, int64(4), svc.gotActor.ID)
	assert.Equal(t, "handler-test", svc.gotActor.UserAgent)
}

func TestMaintenanceHandlerCreate(t *testing.T) {
	svc := &maintenanceServiceMock{request: sampleRequest()}
	r := newMaintenanceRouter(svc, &models.JWTClaims{UserID: 2, Role: models.RoleRequester})

	w, env := doRequest(t, r, http.MethodPost, "/maintenance-requests", []byte(`{"title": "Leak", "currentMaintenanceInstance": {"id": 1}}`))
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, string(env.Data), `"id":10`)
	require.NotNil(t, svc.gotPayload.Title)
	assert.Equal(t, "Leak", *svc.gotPayload.Title)
	assert.Equal(t, int64(2), svc.gotActor.ID)
}

func TestMaintenanceHandlerCreateInvalidJSON(t *testing.T) {
	svc := &maintenanceServiceMock{}
	r := newMaintenanceRouter(svc, nil)

	w, env := doRequest(t, r, http.MethodPost, "/maintenance-requests", []byte(`{"title": `))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, appErrors.ErrValidation.Code, env.Error.Code)
}

func TestMaintenanceHandlerCreateConflict(t *testing.T) {
	svc := &maintenanceServiceMock{err: appErrors.Clone(appErrors.ErrConflict, "protocol number already in use")}
	r := newMaintenanceRouter(svc, nil)

	w, env := doRequest(t, r, http.MethodPost, "/maintenance-requests", []byte(`{"title": "Leak"}`))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "protocol number already in use", env.Error.Message)
}

func TestMaintenanceHandlerList(t *testing.T) {
	svc := &maintenanceServiceMock{request: sampleRequest()}
	r := newMaintenanceRouter(svc, nil)

	w, env := doRequest(t, r, http.MethodGet, "/maintenance-requests?status=pending&buildingId=3&page=2&pageSize=10&sortBy=deadline&search=leak", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, env.Pagination)
	assert.Equal(t, 1, env.Pagination.TotalCount)
	assert.Equal(t, models.MaintenanceStatus("pending"), svc.gotFilter.Status)
	require.NotNil(t, svc.gotFilter.BuildingID)
	assert.Equal(t, int64(3), *svc.gotFilter.BuildingID)
	assert.Equal(t, 2, svc.gotFilter.Page)
	assert.Equal(t, "deadline", svc.gotFilter.SortBy)
	assert.Equal(t, "leak", svc.gotFilter.Search)
}

func TestMaintenanceHandlerListBadQuery(t *testing.T) {
	r := newMaintenanceRouter(&maintenanceServiceMock{request: sampleRequest()}, nil)
	w, _ := doRequest(t, r, http.MethodGet, "/maintenance-requests?page=two", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMaintenanceHandlerProtocolLookup(t *testing.T) {
	svc := &maintenanceServiceMock{}
	r := newMaintenanceRouter(svc, nil)

	w, env := doRequest(t, r, http.MethodGet, "/maintenance-requests/protocol?number=MR-404", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MR-404", svc.gotProtocol)
	assert.Equal(t, false, env.Meta["found"])
	assert.Equal(t, "null", string(env.Data))

	svc.request = sampleRequest()
	_, env = doRequest(t, r, http.MethodGet, "/maintenance-requests/protocol?number=MR-2024-0010", nil)
	assert.Equal(t, true, env.Meta["found"])
}

func TestMaintenanceHandlerExport(t *testing.T) {
	svc := &maintenanceServiceMock{}
	r := newMaintenanceRouter(svc, &models.JWTClaims{UserID: 1, Role: models.RoleManager})

	w, _ := doRequest(t, r, http.MethodGet, "/maintenance-requests/export?format=csv&status=DONE", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="maintenance-requests.csv"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "csv", svc.gotFormat)
	assert.Equal(t, models.MaintenanceStatus("DONE"), svc.gotFilter.Status)
	assert.Contains(t, w.Body.String(), "10,Leak")
}

func TestMaintenanceHandlerExportDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewMaintenanceRequestHandler(&maintenanceServiceMock{}, false)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/maintenance-requests/export", nil)

	h.Export(c)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMaintenanceHandlerDelete(t *testing.T) {
	svc := &maintenanceServiceMock{}
	r := newMaintenanceRouter(svc, &models.JWTClaims{UserID: 1, Role: models.RoleAdmin})

	w, _ := doRequest(t, r, http.MethodDelete, "/maintenance-requests/10", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, int64(10), svc.gotID)
	assert.Equal(t, models.RoleAdmin, svc.gotActor.Role)
}
