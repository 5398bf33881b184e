package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/connections"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/database"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/ingestion"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/metrics"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/models"
)

var (
	testDB     *gorm.DB
	router     *gin.Engine
	dialer     = &switchDialer{}
	ingester   = &fakeIngester{}
	testMetric = metrics.New()
)

// switchDialer succeeds unless err is set.
type switchDialer struct {
	err error
}

func (d *switchDialer) Open(context.Context, *models.TenantConnection) (*connections.Session, error) {
	if d.err != nil {
		return nil, d.err
	}
	return connections.NewSession(nil, nil, "public"), nil
}

// fakeIngester answers by signature: "bad*" fails, "skip*" is skipped,
// everything else is applied.
type fakeIngester struct {
	mu       sync.Mutex
	requests []ingestion.Request
}

func (f *fakeIngester) Ingest(_ context.Context, req ingestion.Request) ingestion.Outcome {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	sig := req.Event.Signature
	switch {
	case len(sig) >= 3 && sig[:3] == "bad":
		return ingestion.Outcome{Status: ingestion.StatusFailed, Signature: sig, Reason: "write failed", Code: models.ErrorCodeWriteFailed}
	case len(sig) >= 4 && sig[:4] == "skip":
		return ingestion.Outcome{Status: ingestion.StatusSkipped, Signature: sig}
	default:
		return ingestion.Outcome{Status: ingestion.StatusApplied, Signature: sig, InsertedCount: 1}
	}
}

func (f *fakeIngester) reset() []ingestion.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	reqs := f.requests
	f.requests = nil
	return reqs
}

// TestMain sets up the test database and router, runs tests, and then tears down.
func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)

	var err error
	testDB, err = gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := database.Migrate(testDB); err != nil {
		log.Fatalf("Failed to migrate test database schema: %v", err)
	}

	h := New(connections.NewStore(testDB), dialer, ingester, testMetric,
		Config{MaxConcurrentIngestions: 4}, zap.NewNop())
	router = gin.New()
	h.RegisterRoutes(router, testMetric.Handler())

	exitCode := m.Run()

	if sqlDB, err := testDB.DB(); err == nil {
		sqlDB.Close()
	}
	os.Exit(exitCode)
}

func clearTable() {
	if err := testDB.Exec("DELETE FROM tenant_connections").Error; err != nil {
		log.Fatalf("Failed to clear tenant_connections table: %v", err)
	}
	dialer.err = nil
	ingester.reset()
}

func doRequest(method, path, tenant string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	router.ServeHTTP(w, req)
	return w
}

func createConnection(t *testing.T, tenant, name string) models.TenantConnection {
	t.Helper()
	payload, _ := json.Marshal(models.CreateConnectionRequest{
		Name: name, Host: "db.internal", Port: 5432, Database: "chain", Username: "indexer", Password: "s3cret",
	})
	w := doRequest(http.MethodPost, "/api/v1/connections", tenant, payload)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var conn models.TenantConnection
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conn))
	return conn
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) models.APIError {
	t.Helper()
	var apiErr models.APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	return apiErr
}

func TestHealth(t *testing.T) {
	w := doRequest(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCreateConnection(t *testing.T) {
	clearTable()
	conn := createConnection(t, "tenant-a", "primary")

	assert.NotZero(t, conn.ID)
	assert.Equal(t, "tenant-a", conn.TenantID)
	assert.Empty(t, conn.Password)

	w := doRequest(http.MethodGet, fmt.Sprintf("/api/v1/connections/%d", conn.ID), "tenant-a", nil)
	assert.NotContains(t, w.Body.String(), "s3cret")
}

func TestCreateConnection_Errors(t *testing.T) {
	clearTable()
	valid, _ := json.Marshal(models.CreateConnectionRequest{
		Name: "primary", Host: "db.internal", Port: 5432, Database: "chain", Username: "indexer", Password: "s3cret",
	})

	t.Run("missing tenant", func(t *testing.T) {
		w := doRequest(http.MethodPost, "/api/v1/connections", "", valid)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, models.ErrorCodeMissingTenant, decodeError(t, w).Code)
	})

	t.Run("validation", func(t *testing.T) {
		w := doRequest(http.MethodPost, "/api/v1/connections", "tenant-a", []byte(`{"name":"x"}`))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, models.ErrorCodeValidation, decodeError(t, w).Code)
	})

	t.Run("unreachable database is not saved", func(t *testing.T) {
		dialer.err = errors.New("connection refused")
		defer func() { dialer.err = nil }()

		w := doRequest(http.MethodPost, "/api/v1/connections", "tenant-a", valid)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, models.ErrorCodeConnectionFailed, decodeError(t, w).Code)
		assert.NotContains(t, w.Body.String(), "s3cret")

		var count int64
		testDB.Model(&models.TenantConnection{}).Count(&count)
		assert.Zero(t, count)
	})

	t.Run("duplicate name", func(t *testing.T) {
		createConnection(t, "tenant-a", "dup")
		payload, _ := json.Marshal(models.CreateConnectionRequest{
			Name: "dup", Host: "other", Port: 5432, Database: "chain", Username: "indexer",
		})
		w := doRequest(http.MethodPost, "/api/v1/connections", "tenant-a", payload)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, models.ErrorCodeDuplicateName, decodeError(t, w).Code)
	})
}

func TestListConnections(t *testing.T) {
	clearTable()
	createConnection(t, "tenant-a", "b-conn")
	createConnection(t, "tenant-a", "a-conn")
	createConnection(t, "tenant-b", "other")

	w := doRequest(http.MethodGet, "/api/v1/connections?sort_by=name&limit=1", "tenant-a", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Data   []models.TenantConnection `json:"data"`
		Total  int64                     `json:"total"`
		Limit  int                       `json:"limit"`
		Offset int                       `json:"offset"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, int64(2), page.Total)
	assert.Equal(t, 1, page.Limit)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "a-conn", page.Data[0].Name)

	t.Run("invalid sort field", func(t *testing.T) {
		w := doRequest(http.MethodGet, "/api/v1/connections?sort_by=password", "tenant-a", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid sort order", func(t *testing.T) {
		w := doRequest(http.MethodGet, "/api/v1/connections?sort_order=sideways", "tenant-a", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid limit", func(t *testing.T) {
		w := doRequest(http.MethodGet, "/api/v1/connections?limit=ten", "tenant-a", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetAndDeleteConnection(t *testing.T) {
	clearTable()
	conn := createConnection(t, "tenant-a", "primary")
	path := fmt.Sprintf("/api/v1/connections/%d", conn.ID)

	// Other tenants cannot see it.
	w := doRequest(http.MethodGet, path, "tenant-b", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, models.ErrorCodeConnectionNotFound, decodeError(t, w).Code)

	w = doRequest(http.MethodGet, path, "tenant-a", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(http.MethodGet, "/api/v1/connections/abc", "tenant-a", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.ErrorCodeInvalidIDFormat, decodeError(t, w).Code)

	testMetric.SetConnectionUp(conn.ID, true)
	w = doRequest(http.MethodDelete, path, "tenant-a", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(http.MethodDelete, path, "tenant-a", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTestConnection(t *testing.T) {
	clearTable()
	conn := createConnection(t, "tenant-a", "primary")
	path := fmt.Sprintf("/api/v1/connections/%d/test", conn.ID)

	w := doRequest(http.MethodPost, path, "tenant-a", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	dialer.err = errors.New("timeout")
	w = doRequest(http.MethodPost, path, "tenant-a", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.ErrorCodeConnectionFailed, decodeError(t, w).Code)
	dialer.err = nil

	w = doRequest(http.MethodPost, "/api/v1/connections/999/test", "tenant-a", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReceiveWebhook(t *testing.T) {
	t.Run("array delivery all applied", func(t *testing.T) {
		clearTable()
		body := `[{"type":"NFT_BID","signature":"sig1","fee":1000000,"timestamp":1700000000,"amount":10},
		          {"type":"SWAP","signature":"skip1","fee":5000,"timestamp":1700000000}]`
		w := doRequest(http.MethodPost, "/api/v1/webhooks/tenant-a/3", "", []byte(body))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp WebhookResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Received)
		assert.Equal(t, 1, resp.Applied)
		assert.Equal(t, 1, resp.Skipped)
		assert.Equal(t, "sig1", resp.Results[0].Signature)
		assert.Equal(t, "skip1", resp.Results[1].Signature)

		reqs := ingester.reset()
		require.Len(t, reqs, 2)
		for _, r := range reqs {
			assert.Equal(t, "tenant-a", r.TenantID)
			assert.Equal(t, uint(3), r.ConnectionID)
			assert.NotEmpty(t, r.Raw)
		}
	})

	t.Run("single object with type override", func(t *testing.T) {
		clearTable()
		body := `{"type":"UNKNOWN","signature":"sig9","fee":5000,"timestamp":1700000000}`
		w := doRequest(http.MethodPost, "/api/v1/webhooks/tenant-a/3?type=nft_pricing", "", []byte(body))
		require.Equal(t, http.StatusOK, w.Code)

		reqs := ingester.reset()
		require.Len(t, reqs, 1)
		assert.Equal(t, "nft_pricing", reqs[0].EventType)
	})

	t.Run("any failure yields 500", func(t *testing.T) {
		clearTable()
		body := `[{"type":"NFT_BID","signature":"sig1","fee":1,"timestamp":1},
		          {"type":"NFT_BID","signature":"bad1","fee":1,"timestamp":1}]`
		w := doRequest(http.MethodPost, "/api/v1/webhooks/tenant-a/3", "", []byte(body))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		apiErr := decodeError(t, w)
		assert.Equal(t, models.ErrorCodeIngestFailed, apiErr.Code)

		var respBody struct {
			Details WebhookResponse `json:"details"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &respBody))
		assert.Equal(t, 1, respBody.Details.Failed)
		assert.Empty(t, respBody.Details.Results[0].Code)
		assert.Equal(t, models.ErrorCodeWriteFailed, respBody.Details.Results[1].Code)
	})

	t.Run("undecodable event fails without reaching ingestion", func(t *testing.T) {
		clearTable()
		body := `[{"type":"NFT_BID","signature":"sig1","fee":1,"timestamp":1}, {"fee":"lots"}]`
		w := doRequest(http.MethodPost, "/api/v1/webhooks/tenant-a/3", "", []byte(body))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Len(t, ingester.reset(), 1)

		var respBody struct {
			Details WebhookResponse `json:"details"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &respBody))
		assert.Equal(t, models.ErrorCodeInvalidJSON, respBody.Details.Results[1].Code)
	})

	t.Run("invalid json", func(t *testing.T) {
		w := doRequest(http.MethodPost, "/api/v1/webhooks/tenant-a/3", "", []byte(`not json`))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, models.ErrorCodeInvalidJSON, decodeError(t, w).Code)
	})

	t.Run("invalid connection id", func(t *testing.T) {
		w := doRequest(http.MethodPost, "/api/v1/webhooks/tenant-a/zero", "", []byte(`[]`))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, models.ErrorCodeInvalidIDFormat, decodeError(t, w).Code)
	})

	t.Run("empty array", func(t *testing.T) {
		w := doRequest(http.MethodPost, "/api/v1/webhooks/tenant-a/3", "", []byte(`[]`))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestReceiveWebhook_Authorization(t *testing.T) {
	clearTable()
	payload, _ := json.Marshal(models.CreateConnectionRequest{
		Name: "guarded", Host: "db.internal", Port: 5432, Database: "chain", Username: "indexer",
		Password: "s3cret", WebhookSecret: "hook-token",
	})
	w := doRequest(http.MethodPost, "/api/v1/connections", "tenant-a", payload)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "hook-token")
	var conn models.TenantConnection
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conn))

	path := fmt.Sprintf("/api/v1/webhooks/tenant-a/%d", conn.ID)
	body := []byte(`{"type":"NFT_BID","signature":"sig1","fee":1,"timestamp":1}`)
	deliver := func(auth string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodPost, path, bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		router.ServeHTTP(rec, req)
		return rec
	}

	for _, auth := range []string{"", "wrong-token"} {
		rec := deliver(auth)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, auth)
		assert.Equal(t, models.ErrorCodeUnauthorized, decodeError(t, rec).Code)
	}
	assert.Empty(t, ingester.reset())

	rec := deliver("hook-token")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, ingester.reset(), 1)

	// Another tenant's path cannot reach the guarded connection.
	other := doRequest(http.MethodPost, fmt.Sprintf("/api/v1/webhooks/tenant-b/%d", conn.ID), "", body)
	assert.Equal(t, http.StatusOK, other.Code)
	assert.Equal(t, "tenant-b", ingester.reset()[0].TenantID)
}

func TestMetricsRoute(t *testing.T) {
	w := doRequest(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "helius_ingest_")
}
