package connections

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/models"
)

func TestDSN(t *testing.T) {
	tc := &models.TenantConnection{
		Host:     "db.example.com",
		Port:     6543,
		Database: "chain data",
		Username: "indexer",
		Password: `it's\secret`,
		SSL:      true,
	}

	dsn := DSN(tc, 5*time.Second)
	assert.Equal(t,
		`host='db.example.com' port=6543 dbname='chain data' user='indexer' password='it\'s\\secret' sslmode=require connect_timeout=5`,
		dsn)

	tc.SSL = false
	assert.Contains(t, DSN(tc, 0), "sslmode=disable")
	assert.NotContains(t, DSN(tc, 0), "connect_timeout")
}

func TestSession_CloseReleasesConnection(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectClose()

	conn, err := db.Conn(context.Background())
	require.NoError(t, err)

	session := NewSession(db, conn, "public")
	require.NoError(t, session.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

type stubDialer struct {
	session *Session
	err     error
}

func (d stubDialer) Open(context.Context, *models.TenantConnection) (*Session, error) {
	return d.session, d.err
}

func TestPing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectClose()
	conn, err := db.Conn(context.Background())
	require.NoError(t, err)

	err = Ping(context.Background(), stubDialer{session: NewSession(db, conn, "public")}, &models.TenantConnection{})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	err = Ping(context.Background(), stubDialer{err: assert.AnError}, &models.TenantConnection{})
	assert.ErrorIs(t, err, assert.AnError)
}
