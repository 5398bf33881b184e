// Package handlers exposes the webhook receiver and connection management
// over HTTP with gin.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/connections"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/ingestion"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/models"
)

// TenantHeader carries the tenant for connection management routes.
const TenantHeader = "X-Tenant-ID"

// ConnectionStore is the credential store the handlers need.
type ConnectionStore interface {
	Create(ctx context.Context, conn *models.TenantConnection) error
	Get(ctx context.Context, tenantID string, id uint) (*models.TenantConnection, error)
	List(ctx context.Context, tenantID string, opts connections.ListOptions) ([]models.TenantConnection, int64, error)
	Delete(ctx context.Context, tenantID string, id uint) error
}

// Ingester processes one webhook event.
type Ingester interface {
	Ingest(ctx context.Context, req ingestion.Request) ingestion.Outcome
}

// ConnectionObserver is told about connections that were removed so their
// probe state can be dropped.
type ConnectionObserver interface {
	ForgetConnection(connectionID uint)
}

// Handler holds the dependencies of every route.
type Handler struct {
	store          ConnectionStore
	dialer         connections.Dialer
	ingester       Ingester
	maxConcurrent  int
	connectTimeout time.Duration
	observer       ConnectionObserver
	logger         *zap.Logger
}

// Config bundles the Handler's tunables.
type Config struct {
	MaxConcurrentIngestions int
	ConnectTimeout          time.Duration
}

// New builds a Handler. observer may be nil.
func New(store ConnectionStore, dialer connections.Dialer, ingester Ingester, observer ConnectionObserver, cfg Config, logger *zap.Logger) *Handler {
	if cfg.MaxConcurrentIngestions < 1 {
		cfg.MaxConcurrentIngestions = 1
	}
	return &Handler{
		store:          store,
		dialer:         dialer,
		ingester:       ingester,
		maxConcurrent:  cfg.MaxConcurrentIngestions,
		connectTimeout: cfg.ConnectTimeout,
		observer:       observer,
		logger:         logger.Named("http"),
	}
}

// RegisterRoutes mounts every route on r. metricsHandler may be nil.
func (h *Handler) RegisterRoutes(r *gin.Engine, metricsHandler http.Handler) {
	r.GET("/health", h.Health)
	if metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(metricsHandler))
	}

	v1 := r.Group("/api/v1")
	{
		v1.POST("/webhooks/:tenant_id/:connection_id", h.ReceiveWebhook)

		connRoutes := v1.Group("/connections")
		{
			connRoutes.POST("", h.CreateConnection)
			connRoutes.GET("", h.ListConnections)
			connRoutes.GET("/:id", h.GetConnection)
			connRoutes.DELETE("/:id", h.DeleteConnection)
			connRoutes.POST("/:id/test", h.TestConnection)
		}
	}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
