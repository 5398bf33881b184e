package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/connections"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/models"
)

const (
	DefaultLimit      = 10
	MaxLimit          = 100
	DefaultSortOrder  = "asc"
	DefaultConnSortBy = "created_at"
)

// tenantFrom reads the tenant header, answering 400 when it is missing.
func tenantFrom(c *gin.Context) (string, bool) {
	tenantID := strings.TrimSpace(c.GetHeader(TenantHeader))
	if tenantID == "" {
		RespondWithError(c, http.StatusBadRequest, models.ErrorCodeMissingTenant, "Missing "+TenantHeader+" header", nil)
		return "", false
	}
	return tenantID, true
}

func parseID(c *gin.Context, param string) (uint, bool) {
	raw := c.Param(param)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		RespondWithError(c, http.StatusBadRequest, models.ErrorCodeInvalidIDFormat, "Invalid ID format for "+param, gin.H{param: raw})
		return 0, false
	}
	return uint(id), true
}

// ping checks a connection within the configured connect timeout.
func (h *Handler) ping(ctx context.Context, tc *models.TenantConnection) error {
	if h.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.connectTimeout)
		defer cancel()
	}
	return connections.Ping(ctx, h.dialer, tc)
}

// CreateConnection godoc
// @Summary Register a tenant database connection
// @Description Tests the connection and stores it when reachable.
// @Tags connections
// @Accept  json
// @Produce  json
// @Param   X-Tenant-ID  header  string  true  "Tenant ID"
// @Param   connection  body  models.CreateConnectionRequest  true  "Connection to register"
// @Success 201 {object} models.TenantConnection
// @Failure 400 {object} models.APIError "VALIDATION_ERROR, MISSING_TENANT or CONNECTION_FAILED"
// @Failure 409 {object} models.APIError "DUPLICATE_NAME"
// @Router /connections [post]
func (h *Handler) CreateConnection(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	var req models.CreateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondWithError(c, http.StatusBadRequest, models.ErrorCodeValidation, "Invalid request payload", gin.H{"reason": err.Error()})
		return
	}

	conn := req.ToConnection(tenantID)
	if err := h.ping(c.Request.Context(), &conn); err != nil {
		h.logger.Info("rejected unreachable connection", zap.Object("connection", &conn), zap.Error(err))
		RespondWithError(c, http.StatusBadRequest, models.ErrorCodeConnectionFailed, "Could not connect to the database", gin.H{"reason": err.Error()})
		return
	}

	if err := h.store.Create(c.Request.Context(), &conn); err != nil {
		if errors.Is(err, connections.ErrDuplicateName) {
			RespondWithError(c, http.StatusConflict, models.ErrorCodeDuplicateName, "A connection with this name already exists.", gin.H{"name": conn.Name})
			return
		}
		h.logger.Error("failed to save connection", zap.Object("connection", &conn), zap.Error(err))
		RespondWithError(c, http.StatusInternalServerError, models.ErrorCodeInternalServerError, "Failed to save connection.", nil)
		return
	}
	h.logger.Info("connection registered", zap.Object("connection", &conn))
	RespondWithSuccess(c, http.StatusCreated, conn)
}

// ListConnections godoc
// @Summary List the tenant's connections
// @Tags connections
// @Produce  json
// @Param   X-Tenant-ID  header  string  true  "Tenant ID"
// @Param   limit       query  int     false  "Page size (max 100)"
// @Param   offset      query  int     false  "Offset"
// @Param   sort_by     query  string  false  "name, created_at or updated_at"
// @Param   sort_order  query  string  false  "asc or desc"
// @Success 200 {object} models.PaginatedResponse
// @Router /connections [get]
func (h *Handler) ListConnections(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}

	limitStr := c.DefaultQuery("limit", strconv.Itoa(DefaultLimit))
	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		RespondWithError(c, http.StatusBadRequest, models.ErrorCodeValidation, "Invalid limit parameter: not a number.", gin.H{"limit": limitStr})
		return
	}
	if limit <= 0 {
		limit = DefaultLimit
	} else if limit > MaxLimit {
		limit = MaxLimit
	}

	offsetStr := c.DefaultQuery("offset", "0")
	offset, err := strconv.Atoi(offsetStr)
	if err != nil {
		RespondWithError(c, http.StatusBadRequest, models.ErrorCodeValidation, "Invalid offset parameter: not a number.", gin.H{"offset": offsetStr})
		return
	}
	if offset < 0 {
		offset = 0
	}

	sortBy := c.DefaultQuery("sort_by", DefaultConnSortBy)
	if !connections.AllowedSortFields[sortBy] {
		allowed := make([]string, 0, len(connections.AllowedSortFields))
		for k := range connections.AllowedSortFields {
			allowed = append(allowed, k)
		}
		sort.Strings(allowed)
		RespondWithError(c, http.StatusBadRequest, models.ErrorCodeValidation, "Invalid sort_by field for connections.", gin.H{"field": sortBy, "allowed": allowed})
		return
	}

	sortOrder := strings.ToLower(c.DefaultQuery("sort_order", DefaultSortOrder))
	if sortOrder != "asc" && sortOrder != "desc" {
		RespondWithError(c, http.StatusBadRequest, models.ErrorCodeValidation, "Invalid sort_order value. Must be 'asc' or 'desc'.", gin.H{"value": c.Query("sort_order")})
		return
	}

	conns, total, err := h.store.List(c.Request.Context(), tenantID, connections.ListOptions{
		Limit:     limit,
		Offset:    offset,
		SortBy:    sortBy,
		SortOrder: sortOrder,
	})
	if err != nil {
		h.logger.Error("failed to list connections", zap.String("tenant_id", tenantID), zap.Error(err))
		RespondWithError(c, http.StatusInternalServerError, models.ErrorCodeInternalServerError, "Failed to list connections", nil)
		return
	}
	RespondWithSuccess(c, http.StatusOK, models.PaginatedResponse{
		Data:   conns,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// GetConnection returns one of the tenant's connections.
func (h *Handler) GetConnection(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	conn, err := h.store.Get(c.Request.Context(), tenantID, id)
	if err != nil {
		h.respondLookupError(c, id, err)
		return
	}
	RespondWithSuccess(c, http.StatusOK, conn)
}

// DeleteConnection removes one of the tenant's connections.
func (h *Handler) DeleteConnection(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.store.Delete(c.Request.Context(), tenantID, id); err != nil {
		h.respondLookupError(c, id, err)
		return
	}
	if h.observer != nil {
		h.observer.ForgetConnection(id)
	}
	h.logger.Info("connection deleted", zap.String("tenant_id", tenantID), zap.Uint("connection_id", id))
	RespondWithSuccess(c, http.StatusNoContent, nil)
}

// TestConnection pings a stored connection.
func (h *Handler) TestConnection(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	conn, err := h.store.Get(c.Request.Context(), tenantID, id)
	if err != nil {
		h.respondLookupError(c, id, err)
		return
	}
	if err := h.ping(c.Request.Context(), conn); err != nil {
		RespondWithError(c, http.StatusBadRequest, models.ErrorCodeConnectionFailed, "Could not connect to the database", gin.H{"reason": err.Error()})
		return
	}
	RespondWithSuccess(c, http.StatusOK, gin.H{"status": "ok", "connection_id": id})
}

func (h *Handler) respondLookupError(c *gin.Context, id uint, err error) {
	if errors.Is(err, connections.ErrConnectionNotFound) {
		RespondWithError(c, http.StatusNotFound, models.ErrorCodeConnectionNotFound, "Connection not found", gin.H{"id": id})
		return
	}
	h.logger.Error("connection lookup failed", zap.Uint("connection_id", id), zap.Error(err))
	RespondWithError(c, http.StatusInternalServerError, models.ErrorCodeInternalServerError, "Failed to load connection", nil)
}
