package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestRebind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		dialect Dialect
		in      string
		want    string
	}{
		{"sqlite passthrough", SQLite, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"postgres numbered", Postgres, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"quoted literal kept", Postgres, "SELECT '?' FROM t WHERE a = ?", "SELECT '?' FROM t WHERE a = $1"},
		{"no placeholders", Postgres, "SELECT 1", "SELECT 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Rebind(tt.dialect, tt.in))
		})
	}
}

func TestPlaceholders(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", Placeholders(0))
	assert.Equal(t, "?", Placeholders(1))
	assert.Equal(t, "?, ?, ?", Placeholders(3))
}

func TestLockSuffix(t *testing.T) {
	t.Parallel()
	assert.Equal(t, " FOR UPDATE SKIP LOCKED", LockSuffix(Postgres))
	assert.Equal(t, "", LockSuffix(SQLite))
}

func TestPgxDB_ExecRebinds(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`UPDATE pages SET ocr_status = \$1 WHERE id = \$2`).
		WithArgs("DONE", "p1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	d := NewPgxDB(mock)
	n, err := d.Exec(context.Background(), "UPDATE pages SET ocr_status = ? WHERE id = ?", "DONE", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgxDB_QueryRowNoRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT status FROM batches WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"status"}))

	var status string
	err = NewPgxDB(mock).QueryRow(context.Background(), "SELECT status FROM batches WHERE id = ?", "missing").Scan(&status)
	assert.ErrorIs(t, err, ErrNoRows)
	assert.True(t, IsNoRows(err))
}

func TestWithTx_PostgresCommitAndLock(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs("concept:a:b").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`UPDATE concepts`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err = WithTx(context.Background(), NewPgxDB(mock), func(tx Tx) error {
		if err := AdvisoryLock(context.Background(), tx, "concept:a:b"); err != nil {
			return err
		}
		_, err := tx.Exec(context.Background(), "UPDATE concepts SET status = 'MERGED'")
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollbackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = WithTx(context.Background(), NewPgxDB(mock), func(_ Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLDB_RoundTrip(t *testing.T) {
	d, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer d.Close() //nolint:errcheck

	ctx := context.Background()
	_, err = d.Exec(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, v INTEGER NOT NULL)`)
	require.NoError(t, err)

	err = WithTx(ctx, d, func(tx Tx) error {
		require.NoError(t, AdvisoryLock(ctx, tx, "ignored"))
		_, err := tx.Exec(ctx, `INSERT INTO kv (k, v) VALUES (?, ?), (?, ?)`, "a", 1, "b", 2)
		return err
	})
	require.NoError(t, err)

	rows, err := d.Query(ctx, `SELECT k, v FROM kv ORDER BY k`)
	require.NoError(t, err)
	defer rows.Close()
	var got []string
	for rows.Next() {
		var k string
		var v int
		require.NoError(t, rows.Scan(&k, &v))
		got = append(got, k)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"a", "b"}, got)

	var v int
	err = d.QueryRow(ctx, `SELECT v FROM kv WHERE k = ?`, "zzz").Scan(&v)
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestSQLDB_RollbackDiscards(t *testing.T) {
	d, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer d.Close() //nolint:errcheck

	ctx := context.Background()
	_, err = d.Exec(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY)`)
	require.NoError(t, err)

	_ = WithTx(ctx, d, func(tx Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO kv (k) VALUES (?)`, "a")
		require.NoError(t, err)
		return errors.New("abort")
	})

	var n int
	require.NoError(t, d.QueryRow(ctx, `SELECT COUNT(*) FROM kv`).Scan(&n))
	assert.Equal(t, 0, n)
}
