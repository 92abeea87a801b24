package storage

import (
	"context"
	"database/sql"
	"embed"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"pushrelay/internal/model"
	logx "pushrelay/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// dialect captures the few places where sqlite and postgres differ.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of "?"
	numbered        bool
	uniqueViolation func(error) bool
}

type sqlStore struct {
	db  *sql.DB
	log logx.Logger
	d   dialect
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// q rebinds "?" placeholders for the active dialect.
func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	// Statement-by-statement so both drivers accept it.
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	at := e.At
	if at.IsZero() {
		at = nowUTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO audit_log(id, at, action, actor, target, meta) VALUES(?,?,?,?,?,?)`),
		uuid.NewString(), model.Millis(at), e.Action, e.Actor, e.Target, nullStr(e.MetaJSON),
	)
	return err
}

// rowsAffected maps "0 rows" to ErrNotFound.
func rowsAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullStrPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := model.FromMillis(v.Int64)
	return &t
}

func nowUTC() time.Time { return model.Truncate(time.Now()) }

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
