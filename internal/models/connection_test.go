package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func testConnection() *TenantConnection {
	return &TenantConnection{
		ID:       7,
		TenantID: "tenant-a",
		Name:     "primary",
		Host:     "db.internal",
		Port:     5432,
		Database: "chain",
		Username: "indexer",
		Password: "hunter2",
		SSL:      true,

		WebhookSecret: "hook-token",
	}
}

func TestTenantConnection_SecretNeverRendered(t *testing.T) {
	conn := testConnection()

	t.Run("json", func(t *testing.T) {
		body, err := json.Marshal(conn)
		require.NoError(t, err)
		assert.NotContains(t, string(body), "hunter2")
		assert.NotContains(t, string(body), "password")
		assert.NotContains(t, string(body), "hook-token")
	})

	t.Run("string", func(t *testing.T) {
		assert.NotContains(t, conn.String(), "hunter2")
		assert.Contains(t, conn.String(), "schema=public")
	})

	t.Run("zap", func(t *testing.T) {
		core, logs := observer.New(zap.DebugLevel)
		zap.New(core).Info("resolved", zap.Object("connection", conn))
		require.Equal(t, 1, logs.Len())
		fields := logs.All()[0].ContextMap()
		rendered, ok := fields["connection"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "db.internal", rendered["host"])
		assert.NotContains(t, rendered, "password")
		for _, v := range rendered {
			assert.NotEqual(t, "hunter2", v)
			assert.NotEqual(t, "hook-token", v)
		}
	})
}

func TestTenantConnection_SchemaOrDefault(t *testing.T) {
	conn := testConnection()
	assert.Equal(t, DefaultSchema, conn.SchemaOrDefault())
	conn.Schema = "helius"
	assert.Equal(t, "helius", conn.SchemaOrDefault())
}

func TestTenantConnection_AuthorizesWebhook(t *testing.T) {
	conn := testConnection()
	assert.True(t, conn.AuthorizesWebhook("hook-token"))
	assert.False(t, conn.AuthorizesWebhook(""))
	assert.False(t, conn.AuthorizesWebhook("hook-token "))
	assert.False(t, conn.AuthorizesWebhook("Bearer hook-token"))

	conn.WebhookSecret = ""
	assert.True(t, conn.AuthorizesWebhook(""))
	assert.True(t, conn.AuthorizesWebhook("anything"))
}

func TestCreateConnectionRequest_ToConnection(t *testing.T) {
	req := CreateConnectionRequest{Name: "n", Host: "h", Port: 1, Database: "d", Username: "u", Password: "p", SSL: true, WebhookSecret: "w"}
	conn := req.ToConnection("tenant")
	assert.Equal(t, "w", conn.WebhookSecret)
	assert.Equal(t, "tenant", conn.TenantID)
	assert.Equal(t, "p", conn.Password)
	assert.True(t, conn.SSL)
}
