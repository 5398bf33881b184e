package schema

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/classifier"
)

var bidsTarget = Target{Table: classifier.TableNFTBids}

func sampleFields() classifier.Fields {
	return classifier.Fields{
		{Column: classifier.ColEventIdentifier, Value: "sig1"},
		{Column: classifier.ColNetworkCost, Value: 0.001},
		{Column: classifier.ColEventTime, Value: time.Unix(1700000000, 0).UTC()},
	}
}

const createBids = `CREATE TABLE IF NOT EXISTS "public"."nft_bids_data" ("eventIdentifier" TEXT, "networkCost" TEXT, "eventTime" TIMESTAMPTZ)`

func TestTarget(t *testing.T) {
	assert.Equal(t, `"public"."nft_bids_data"`, bidsTarget.Qualified())
	assert.Equal(t, `"helius"."transfer_data"`, Target{Schema: "helius", Table: classifier.TableTransfers}.Qualified())
	assert.Equal(t, "public.nft_bids_data", bidsTarget.String())
}

func TestEnsureTable_CreatesWithDeclaredTypes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(tableExistsQuery)).
		WithArgs("public", "nft_bids_data").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta(createBids)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewProvisioner(nil).EnsureTable(context.Background(), db, bidsTarget, sampleFields())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureTable_Idempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	p := NewProvisioner(nil)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(tableExistsQuery)).
		WithArgs("public", "nft_bids_data").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta(createBids)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, p.EnsureTable(ctx, db, bidsTarget, sampleFields()))

	// Second call sees the table and every column; no DDL may follow.
	mock.ExpectQuery(regexp.QuoteMeta(tableExistsQuery)).
		WithArgs("public", "nft_bids_data").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta(columnsQuery)).
		WithArgs("public", "nft_bids_data").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).
			AddRow("eventIdentifier").AddRow("networkCost").AddRow("eventTime"))
	require.NoError(t, p.EnsureTable(ctx, db, bidsTarget, sampleFields()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureTable_AddsMissingColumns(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(tableExistsQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta(columnsQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("eventIdentifier").AddRow("networkCost"))
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE "public"."nft_bids_data" ADD COLUMN IF NOT EXISTS "eventTime" TIMESTAMPTZ`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewProvisioner(nil).EnsureTable(context.Background(), db, bidsTarget, sampleFields())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureTable_Failures(t *testing.T) {
	t.Run("zero table never reaches the database", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		err = NewProvisioner(nil).EnsureTable(context.Background(), db, Target{}, sampleFields())
		assert.ErrorIs(t, err, ErrInvalidTarget)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty sample", func(t *testing.T) {
		db, _, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		err = NewProvisioner(nil).EnsureTable(context.Background(), db, bidsTarget, nil)
		assert.ErrorIs(t, err, ErrNoColumns)
	})

	t.Run("ddl failure", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta(tableExistsQuery)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec(regexp.QuoteMeta(createBids)).
			WillReturnError(&pq.Error{Code: "42501", Message: "permission denied for schema public"})

		err = NewProvisioner(nil).EnsureTable(context.Background(), db, bidsTarget, sampleFields())
		var provErr *ProvisionError
		require.True(t, errors.As(err, &provErr))
		assert.Equal(t, "create table", provErr.Op)
		assert.Equal(t, "public.nft_bids_data", provErr.Table)
	})

	t.Run("lost creation race", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta(tableExistsQuery)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec(regexp.QuoteMeta(createBids)).
			WillReturnError(&pq.Error{Code: "42P07"})

		assert.NoError(t, NewProvisioner(nil).EnsureTable(context.Background(), db, bidsTarget, sampleFields()))
	})
}

func TestEnsurePrimaryKey(t *testing.T) {
	addPK := regexp.QuoteMeta(`ALTER TABLE "public"."nft_bids_data" ADD COLUMN "id" UUID DEFAULT gen_random_uuid() PRIMARY KEY`)

	t.Run("existing key is returned as is", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta(primaryKeyQuery)).
			WithArgs("public", "nft_bids_data").
			WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("eventIdentifier"))

		keys, added, err := NewProvisioner(nil).EnsurePrimaryKey(context.Background(), db, bidsTarget)
		require.NoError(t, err)
		assert.False(t, added)
		assert.Equal(t, []string{"eventIdentifier"}, keys)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing key is added", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta(primaryKeyQuery)).
			WillReturnRows(sqlmock.NewRows([]string{"column_name"}))
		mock.ExpectExec(addPK).WillReturnResult(sqlmock.NewResult(0, 0))

		keys, added, err := NewProvisioner(nil).EnsurePrimaryKey(context.Background(), db, bidsTarget)
		require.NoError(t, err)
		assert.True(t, added)
		assert.Equal(t, []string{"id"}, keys)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("concurrent add falls back to lookup", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta(primaryKeyQuery)).
			WillReturnRows(sqlmock.NewRows([]string{"column_name"}))
		mock.ExpectExec(addPK).WillReturnError(&pq.Error{Code: "42701"})
		mock.ExpectQuery(regexp.QuoteMeta(primaryKeyQuery)).
			WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("id"))

		keys, _, err := NewProvisioner(nil).EnsurePrimaryKey(context.Background(), db, bidsTarget)
		require.NoError(t, err)
		assert.Equal(t, []string{"id"}, keys)
	})

	t.Run("other failure", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta(primaryKeyQuery)).
			WillReturnRows(sqlmock.NewRows([]string{"column_name"}))
		mock.ExpectExec(addPK).WillReturnError(errors.New("connection reset"))

		_, added, err := NewProvisioner(nil).EnsurePrimaryKey(context.Background(), db, bidsTarget)
		assert.False(t, added)
		var provErr *ProvisionError
		require.True(t, errors.As(err, &provErr))
		assert.Equal(t, "add primary key", provErr.Op)
	})
}
