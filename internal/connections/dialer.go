package connections

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/models"
)

// Session is a single live connection to a tenant database. It belongs to
// exactly one ingestion and must be closed by it.
type Session struct {
	Conn   *sql.Conn
	Schema string

	db *sql.DB
}

// NewSession takes ownership of db and conn. Close releases both.
func NewSession(db *sql.DB, conn *sql.Conn, schema string) *Session {
	return &Session{Conn: conn, Schema: schema, db: db}
}

// Close returns the connection and closes its private pool.
func (s *Session) Close() error {
	var errs []error
	if s.Conn != nil {
		if err := s.Conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			errs = append(errs, err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dialer opens sessions against tenant databases.
type Dialer interface {
	Open(ctx context.Context, conn *models.TenantConnection) (*Session, error)
}

// PQDialer dials tenant databases with lib/pq. Every Open gets its own
// single-connection pool so nothing is shared across tenants or ingestions.
type PQDialer struct {
	ConnectTimeout time.Duration
}

// NewPQDialer returns a dialer bounded by connectTimeout.
func NewPQDialer(connectTimeout time.Duration) *PQDialer {
	return &PQDialer{ConnectTimeout: connectTimeout}
}

// Open connects and pings. On failure nothing is left open.
func (d *PQDialer) Open(ctx context.Context, tc *models.TenantConnection) (*Session, error) {
	db, err := sql.Open("postgres", DSN(tc, d.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open connection to %s:%d/%s: %w", tc.Host, tc.Port, tc.Database, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	dialCtx := ctx
	if d.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d.ConnectTimeout)
		defer cancel()
	}

	conn, err := db.Conn(dialCtx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s:%d/%s: %w", tc.Host, tc.Port, tc.Database, err)
	}
	if err := conn.PingContext(dialCtx); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("failed to ping %s:%d/%s: %w", tc.Host, tc.Port, tc.Database, err)
	}
	return NewSession(db, conn, tc.SchemaOrDefault()), nil
}

// Ping verifies that tc is reachable with its credentials.
func Ping(ctx context.Context, d Dialer, tc *models.TenantConnection) error {
	session, err := d.Open(ctx, tc)
	if err != nil {
		return err
	}
	return session.Close()
}

// SSLMode maps the tenant's TLS flag onto a libpq sslmode. TLS is required
// but the server certificate is not verified.
func SSLMode(useTLS bool) string {
	if useTLS {
		return "require"
	}
	return "disable"
}

// DSN builds a libpq key/value connection string for tc.
func DSN(tc *models.TenantConnection, connectTimeout time.Duration) string {
	parts := []string{
		"host=" + quoteDSNValue(tc.Host),
		fmt.Sprintf("port=%d", tc.Port),
		"dbname=" + quoteDSNValue(tc.Database),
		"user=" + quoteDSNValue(tc.Username),
		"password=" + quoteDSNValue(tc.Password),
		"sslmode=" + SSLMode(tc.SSL),
	}
	if secs := int(connectTimeout / time.Second); secs > 0 {
		parts = append(parts, fmt.Sprintf("connect_timeout=%d", secs))
	}
	return strings.Join(parts, " ")
}

func quoteDSNValue(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
