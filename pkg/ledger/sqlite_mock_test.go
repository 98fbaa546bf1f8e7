package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockLedger(t *testing.T) (*SQLiteLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ledger").
		WillReturnResult(sqlmock.NewResult(0, 0))
	led, err := NewSQLiteLedger(db, nil)
	require.NoError(t, err)
	return led, mock
}

// Driver failures surface as WriteError with connection detail stripped: the
// DSN or socket path must never end up in logs or ledger entries.
func TestSQLiteLedgerAppendErrorIsSanitized(t *testing.T) {
	led, mock := mockLedger(t)

	mock.ExpectBegin().WillReturnError(
		errors.New("dial unix /var/run/toolgate/db.sock: connection refused"))

	_, err := led.Append(context.Background(), testDecisionEntry("r-1", "d-1"))
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.NotContains(t, werr.Error(), "/var/run")
	assert.NotContains(t, werr.Error(), "db.sock")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteLedgerInsertFailureRollsBack(t *testing.T) {
	led, mock := mockLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT entry_hash FROM ledger ORDER BY id DESC LIMIT 1").
		WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}))
	mock.ExpectExec("INSERT INTO ledger").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	_, err := led.Append(context.Background(), testDecisionEntry("r-1", "d-1"))
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.Contains(t, werr.Error(), "database is locked")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteLedgerVerifyQueryErrorIsSanitized(t *testing.T) {
	led, mock := mockLedger(t)

	mock.ExpectQuery("SELECT entry_json, entry_hash, prev_entry_hash FROM ledger").
		WillReturnError(errors.New("unable to open database file /data/ledger.db"))

	err := led.Verify(context.Background(), nil)
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.NotContains(t, werr.Error(), "/data")
	require.NoError(t, mock.ExpectationsWereMet())
}
