package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/classifier"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/connections"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/ingestion"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/models"
)

// WebhookResponse summarises one delivery.
type WebhookResponse struct {
	Received int                 `json:"received"`
	Applied  int                 `json:"applied"`
	Skipped  int                 `json:"skipped"`
	Failed   int                 `json:"failed"`
	Results  []ingestion.Outcome `json:"results"`
}

// ReceiveWebhook ingests a Helius delivery: a JSON array of enhanced
// transactions or a single one. Events are ingested concurrently and
// independently. Any failed event turns the response into a 500 so the
// provider redelivers.
func (h *Handler) ReceiveWebhook(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	if tenantID == "" {
		RespondWithError(c, http.StatusBadRequest, models.ErrorCodeMissingTenant, "Missing tenant id", nil)
		return
	}
	connectionID, ok := parseID(c, "connection_id")
	if !ok {
		return
	}
	if !h.authorizeWebhook(c, tenantID, connectionID) {
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		RespondWithError(c, http.StatusBadRequest, models.ErrorCodeInvalidJSON, "Could not read request body", nil)
		return
	}
	raws, err := splitEvents(body)
	if err != nil {
		RespondWithError(c, http.StatusBadRequest, models.ErrorCodeInvalidJSON, "Request body must be a JSON object or array of objects", gin.H{"reason": err.Error()})
		return
	}

	override := c.Query("type")
	results := make([]ingestion.Outcome, len(raws))

	g, ctx := errgroup.WithContext(c.Request.Context())
	g.SetLimit(h.maxConcurrent)
	for i, raw := range raws {
		i, raw := i, raw
		g.Go(func() error {
			var ev classifier.RawEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				results[i] = ingestion.Outcome{Status: ingestion.StatusFailed, Reason: "invalid event: " + err.Error(), Code: models.ErrorCodeInvalidJSON, Err: err}
				return nil
			}
			results[i] = h.ingester.Ingest(ctx, ingestion.Request{
				TenantID:     tenantID,
				ConnectionID: connectionID,
				EventType:    override,
				Event:        &ev,
				Raw:          raw,
			})
			return nil
		})
	}
	_ = g.Wait()

	resp := WebhookResponse{Received: len(raws), Results: results}
	for _, r := range results {
		switch r.Status {
		case ingestion.StatusApplied:
			resp.Applied++
		case ingestion.StatusSkipped:
			resp.Skipped++
		default:
			resp.Failed++
		}
	}

	if resp.Failed > 0 {
		h.logger.Warn("webhook delivery had failures",
			zap.String("tenant_id", tenantID), zap.Uint("connection_id", connectionID),
			zap.Int("received", resp.Received), zap.Int("failed", resp.Failed))
		RespondWithError(c, http.StatusInternalServerError, models.ErrorCodeIngestFailed, "One or more events failed to ingest", resp)
		return
	}
	RespondWithSuccess(c, http.StatusOK, resp)
}

// authorizeWebhook checks the Authorization header against the connection's
// webhook secret. Unknown connections pass, and their events fail at
// resolution.
func (h *Handler) authorizeWebhook(c *gin.Context, tenantID string, connectionID uint) bool {
	conn, err := h.store.Get(c.Request.Context(), tenantID, connectionID)
	switch {
	case errors.Is(err, connections.ErrConnectionNotFound):
		return true
	case err != nil:
		h.logger.Error("webhook connection lookup failed",
			zap.String("tenant_id", tenantID), zap.Uint("connection_id", connectionID), zap.Error(err))
		RespondWithError(c, http.StatusInternalServerError, models.ErrorCodeInternalServerError, "Failed to load connection", nil)
		return false
	case !conn.AuthorizesWebhook(c.GetHeader("Authorization")):
		h.logger.Warn("rejected unauthorized webhook delivery",
			zap.String("tenant_id", tenantID), zap.Uint("connection_id", connectionID))
		RespondWithError(c, http.StatusUnauthorized, models.ErrorCodeUnauthorized, "Missing or invalid webhook authorization", nil)
		return false
	}
	return true
}

// splitEvents accepts either one JSON object or an array of them.
func splitEvents(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, err
		}
		return raws, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	return []json.RawMessage{json.RawMessage(body)}, nil
}
