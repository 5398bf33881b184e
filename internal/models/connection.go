package models

import (
	"crypto/subtle"
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"
)

// DefaultSchema is used when a connection does not name one.
const DefaultSchema = "public"

// TenantConnection identifies one tenant's target Postgres database.
// Password and WebhookSecret are never serialised, logged or echoed.
type TenantConnection struct {
	ID       uint   `json:"id" gorm:"primaryKey;autoIncrement"`
	TenantID string `json:"tenant_id" gorm:"type:varchar(255);not null;uniqueIndex:idx_tenant_connection_name"`
	Name     string `json:"name" gorm:"type:varchar(255);not null;uniqueIndex:idx_tenant_connection_name"`
	Host     string `json:"host" gorm:"type:varchar(255);not null"`
	Port     int    `json:"port" gorm:"not null"`
	Database string `json:"database" gorm:"type:varchar(255);not null"`
	Username string `json:"username" gorm:"type:varchar(255);not null"`
	Password string `json:"-" gorm:"type:text"`
	Schema   string `json:"schema,omitempty" gorm:"type:varchar(255)"`
	SSL      bool   `json:"ssl" gorm:"default:false"`

	// WebhookSecret, when set, must arrive verbatim in the Authorization
	// header of every webhook delivery for this connection.
	WebhookSecret string `json:"-" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// SchemaOrDefault returns the configured schema or "public".
func (c *TenantConnection) SchemaOrDefault() string {
	if c.Schema == "" {
		return DefaultSchema
	}
	return c.Schema
}

// AuthorizesWebhook reports whether header carries the webhook secret.
// Connections without a secret accept every delivery.
func (c *TenantConnection) AuthorizesWebhook(header string) bool {
	if c.WebhookSecret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(c.WebhookSecret)) == 1
}

// String renders the connection without its password.
func (c *TenantConnection) String() string {
	return fmt.Sprintf("connection %d (%s@%s:%d/%s schema=%s ssl=%t)",
		c.ID, c.Username, c.Host, c.Port, c.Database, c.SchemaOrDefault(), c.SSL)
}

// MarshalLogObject implements zapcore.ObjectMarshaler. The password is omitted.
func (c *TenantConnection) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint("id", c.ID)
	enc.AddString("tenant_id", c.TenantID)
	enc.AddString("host", c.Host)
	enc.AddInt("port", c.Port)
	enc.AddString("database", c.Database)
	enc.AddString("username", c.Username)
	enc.AddString("schema", c.SchemaOrDefault())
	enc.AddBool("ssl", c.SSL)
	return nil
}

// CreateConnectionRequest defines the request payload for registering a connection.
type CreateConnectionRequest struct {
	Name     string `json:"name" binding:"required,min=1,max=255"`
	Host     string `json:"host" binding:"required,min=1,max=255"`
	Port     int    `json:"port" binding:"required,min=1,max=65535"`
	Database string `json:"database" binding:"required,min=1,max=255"`
	Username string `json:"username" binding:"required,min=1,max=255"`
	Password string `json:"password"`
	Schema   string `json:"schema,omitempty" binding:"max=255"`
	SSL      bool   `json:"ssl"`

	WebhookSecret string `json:"webhook_secret,omitempty" binding:"max=255"`
}

// ToConnection builds the stored model for tenantID.
func (r CreateConnectionRequest) ToConnection(tenantID string) TenantConnection {
	return TenantConnection{
		TenantID: tenantID,
		Name:     r.Name,
		Host:     r.Host,
		Port:     r.Port,
		Database: r.Database,
		Username: r.Username,
		Password: r.Password,
		Schema:   r.Schema,
		SSL:      r.SSL,

		WebhookSecret: r.WebhookSecret,
	}
}

// PaginatedResponse wraps one page of a list endpoint.
type PaginatedResponse struct {
	Data   interface{} `json:"data"`
	Total  int64       `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}
