package receiptlog

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/mukernel/pkg/receipt"
)

func TestPostgresLog_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPostgresLog(db)
	ctx := context.Background()
	chain := chainOf(t, "s-1", 2)

	// Root: no tail yet.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT hash, sequence FROM mukernel_receipts WHERE session_id = $1")).
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"hash", "sequence"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO mukernel_receipts")).
		WithArgs(chain[0].Hash, "s-1", int64(0), "", "op.echo", "ok", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, l.Append(ctx, chain[0]))

	// Successor: tail is the root.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT hash, sequence FROM mukernel_receipts")).
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"hash", "sequence"}).AddRow(chain[0].Hash, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO mukernel_receipts")).
		WithArgs(chain[1].Hash, "s-1", int64(1), chain[0].Hash, "op.echo", "ok", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	require.NoError(t, l.Append(ctx, chain[1]))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLog_RejectsGap(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPostgresLog(db)
	chain := chainOf(t, "s-1", 3)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT hash, sequence FROM mukernel_receipts")).
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"hash", "sequence"}).AddRow(chain[0].Hash, 0))

	err = l.Append(context.Background(), chain[2])
	assert.True(t, errors.Is(err, ErrSequence))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLog_ChainAndGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPostgresLog(db)
	ctx := context.Background()
	chain := chainOf(t, "s-1", 2)

	rows := sqlmock.NewRows([]string{"body"})
	for _, r := range chain {
		b, err := receipt.MarshalCBOR(r)
		require.NoError(t, err)
		rows.AddRow(b)
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM mukernel_receipts WHERE session_id = $1 ORDER BY sequence ASC")).
		WithArgs("s-1").
		WillReturnRows(rows)

	got, err := l.Chain(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.NoError(t, receipt.ValidateChain(got, nil))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM mukernel_receipts WHERE hash = $1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"body"}))
	_, err = l.Get(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLog_Migrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS mukernel_receipts")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, NewPostgresLog(db).Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
