package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	logx "pushrelay/pkg/logx"
)

var errNoCount = errors.New("rows affected unsupported")

// countlessConn accepts every statement and cannot report affected rows.
type countlessConn struct{}

func (countlessConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not supported") }
func (countlessConn) Close() error                        { return nil }
func (countlessConn) Begin() (driver.Tx, error)           { return nil, errors.New("not supported") }

func (countlessConn) ExecContext(context.Context, string, []driver.NamedValue) (driver.Result, error) {
	return countlessResult{}, nil
}

type countlessResult struct{}

func (countlessResult) LastInsertId() (int64, error) { return 0, errNoCount }
func (countlessResult) RowsAffected() (int64, error) { return 0, errNoCount }

type countlessConnector struct{}

func (countlessConnector) Connect(context.Context) (driver.Conn, error) { return countlessConn{}, nil }
func (c countlessConnector) Driver() driver.Driver                      { return countlessDriver{} }

type countlessDriver struct{}

func (countlessDriver) Open(string) (driver.Conn, error) { return countlessConn{}, nil }

func TestGiveUpReportsRowsAffectedError(t *testing.T) {
	db := sql.OpenDB(countlessConnector{})
	t.Cleanup(func() { _ = db.Close() })
	st := &sqlStore{db: db, log: logx.Nop(), d: dialect{name: "sqlite"}}

	now := time.Now()
	_, err := st.GiveUp(context.Background(), 5, now.Add(-time.Hour), now)
	assert.ErrorIs(t, err, errNoCount)

	_, err = st.DeleteExpiredIdempotency(context.Background(), now)
	assert.ErrorIs(t, err, errNoCount)
}
