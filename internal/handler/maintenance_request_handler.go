package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/maintenance-api/internal/dto"
	"github.com/noah-isme/maintenance-api/internal/middleware"
	"github.com/noah-isme/maintenance-api/internal/models"
	"github.com/noah-isme/maintenance-api/internal/service"
	appErrors "github.com/noah-isme/maintenance-api/pkg/errors"
	"github.com/noah-isme/maintenance-api/pkg/export"
	"github.com/noah-isme/maintenance-api/pkg/response"
)

type maintenanceRequestService interface {
	Create(ctx context.Context, payload dto.MaintenanceRequestPayload, actor service.Actor) (*models.MaintenanceRequest, error)
	Update(ctx context.Context, id int64, payload dto.MaintenanceRequestPayload, actor service.Actor) (*models.MaintenanceRequest, error)
	Show(ctx context.Context, id int64) (*models.MaintenanceRequest, bool, error)
	FindByProtocol(ctx context.Context, protocol string) (*models.MaintenanceRequest, error)
	Delete(ctx context.Context, id int64, actor service.Actor) error
	List(ctx context.Context, filter models.MaintenanceRequestFilter) ([]models.MaintenanceRequest, *models.Pagination, error)
	Export(ctx context.Context, filter models.MaintenanceRequestFilter, format string) ([]byte, export.Format, string, error)
}

// MaintenanceRequestHandler exposes maintenance request endpoints.
type MaintenanceRequestHandler struct {
	service       maintenanceRequestService
	exportEnabled bool
}

// NewMaintenanceRequestHandler builds the handler. exportEnabled gates the
// export endpoint.
func NewMaintenanceRequestHandler(svc maintenanceRequestService, exportEnabled bool) *MaintenanceRequestHandler {
	return &MaintenanceRequestHandler{service: svc, exportEnabled: exportEnabled}
}

// List godoc
// @Summary List maintenance requests
// @Tags Maintenance Requests
// @Produce json
// @Param status query string false "Current status"
// @Param assignedToId query int false "Assignee"
// @Param buildingId query int false "Building"
// @Param createdById query int false "Requester"
// @Param search query string false "Title or protocol search"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Param sortBy query string false "Sort column"
// @Param sortOrder query string false "asc or desc"
// @Success 200 {object} response.Envelope
// @Router /maintenance-requests [get]
func (h *MaintenanceRequestHandler) List(c *gin.Context) {
	filter, ok := bindFilter(c)
	if !ok {
		return
	}
	requests, pagination, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, requests, pagination, middleware.ExtractMeta(c))
}

// Export godoc
// @Summary Export maintenance requests
// @Tags Maintenance Requests
// @Produce text/csv
// @Produce application/pdf
// @Param format query string false "csv or pdf"
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Router /maintenance-requests/export [get]
func (h *MaintenanceRequestHandler) Export(c *gin.Context) {
	if !h.exportEnabled {
		response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "exports are disabled"))
		return
	}
	filter, ok := bindFilter(c)
	if !ok {
		return
	}
	body, format, filename, err := h.service.Export(c.Request.Context(), filter, c.Query("format"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, format.ContentType(), filename, body)
}

// FindByProtocol godoc
// @Summary Find a maintenance request by protocol number
// @Tags Maintenance Requests
// @Produce json
// @Param number query string true "Protocol number"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /maintenance-requests/protocol [get]
func (h *MaintenanceRequestHandler) FindByProtocol(c *gin.Context) {
	request, err := h.service.FindByProtocol(c.Request.Context(), c.Query("number"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetMeta(c, "found", request != nil)
	response.JSON(c, http.StatusOK, request, nil, middleware.ExtractMeta(c))
}

// Get godoc
// @Summary Get maintenance request
// @Tags Maintenance Requests
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /maintenance-requests/{id} [get]
func (h *MaintenanceRequestHandler) Get(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		response.Error(c, err)
		return
	}
	request, hit, err := h.service.Show(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, hit)
	response.JSON(c, http.StatusOK, request, nil, middleware.ExtractMeta(c))
}

// Create godoc
// @Summary Create maintenance request
// @Tags Maintenance Requests
// @Accept json
// @Produce json
// @Param payload body dto.MaintenanceRequestPayload true "Request payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /maintenance-requests [post]
func (h *MaintenanceRequestHandler) Create(c *gin.Context) {
	var payload dto.MaintenanceRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid maintenance request payload"))
		return
	}
	request, err := h.service.Create(c.Request.Context(), payload, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, request, middleware.ExtractMeta(c))
}

// Update godoc
// @Summary Update maintenance request
// @Description Fields left out are untouched. A null relation disconnects it.
// @Tags Maintenance Requests
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param payload body dto.MaintenanceRequestPayload true "Partial payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /maintenance-requests/{id} [patch]
func (h *MaintenanceRequestHandler) Update(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		response.Error(c, err)
		return
	}
	var payload dto.MaintenanceRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid maintenance request payload"))
		return
	}
	request, err := h.service.Update(c.Request.Context(), id, payload, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil, middleware.ExtractMeta(c))
}

// Delete godoc
// @Summary Delete maintenance request
// @Tags Maintenance Requests
// @Param id path int true "Request ID"
// @Success 204
// @Failure 404 {object} response.Envelope
// @Router /maintenance-requests/{id} [delete]
func (h *MaintenanceRequestHandler) Delete(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := h.service.Delete(c.Request.Context(), id, actorFromContext(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

func bindFilter(c *gin.Context) (models.MaintenanceRequestFilter, bool) {
	var query dto.MaintenanceRequestQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query parameters"))
		return models.MaintenanceRequestFilter{}, false
	}
	return query.Filter(), true
}
