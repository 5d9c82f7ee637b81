package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "sitepulse/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const ledgerColumns = `site_id, operation, status, prev_status, trigger_id, last_run_at, next_run_at, error_message, retry_count, created_at, updated_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: every Mutate transaction is serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite ledger ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) Get(ctx context.Context, key Key) (Record, error) {
	if s == nil || s.db == nil {
		return Record{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger WHERE site_id = ? AND operation = ?`,
		key.SiteID, key.Operation,
	)
	r, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) Mutate(ctx context.Context, key Key, fn MutateFunc) (Record, error) {
	if s == nil || s.db == nil {
		return Record{}, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var cur *Record
	row := tx.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger WHERE site_id = ? AND operation = ?`,
		key.SiteID, key.Operation,
	)
	r, err := scanSQLite(row)
	switch {
	case err == nil:
		cur = &r
	case errors.Is(err, sql.ErrNoRows):
	default:
		return Record{}, err
	}

	next, act, err := fn(cur)
	if err != nil {
		return Record{}, err
	}

	switch act {
	case Put:
		next.Key = key
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ledger(`+ledgerColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(site_id, operation) DO UPDATE SET
			   status=excluded.status, prev_status=excluded.prev_status, trigger_id=excluded.trigger_id,
			   last_run_at=excluded.last_run_at, next_run_at=excluded.next_run_at,
			   error_message=excluded.error_message, retry_count=excluded.retry_count,
			   updated_at=excluded.updated_at`,
			next.SiteID, next.Operation, string(next.Status), nullStr(string(next.PrevStatus)), nullStr(next.TriggerID),
			nullMillis(next.LastRunAt), nullMillis(next.NextRunAt), nullStr(next.ErrorMessage), next.RetryCount,
			next.CreatedAt.UnixMilli(), next.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return Record{}, err
		}
	case Delete:
		if _, err = tx.ExecContext(ctx, `DELETE FROM ledger WHERE site_id = ? AND operation = ?`, key.SiteID, key.Operation); err != nil {
			return Record{}, err
		}
		next = Record{}
	default:
		if cur == nil {
			return Record{}, nil
		}
		return *cur, nil
	}
	if err := tx.Commit(); err != nil {
		return Record{}, err
	}
	return next, nil
}

func (s *sqliteStore) List(ctx context.Context, q Query) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	where, args := buildWhere(q, func(int) string { return "?" }, func(t time.Time) any { return t.UnixMilli() })
	query := `SELECT ` + ledgerColumns + ` FROM ledger` + where + ` ORDER BY updated_at, site_id, operation`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (Record, error) {
	var (
		r                  Record
		status             string
		prev, trig, errMsg sql.NullString
		lastRun, nextRun   sql.NullInt64
		created, updated   int64
	)
	if err := row.Scan(&r.SiteID, &r.Operation, &status, &prev, &trig, &lastRun, &nextRun, &errMsg, &r.RetryCount, &created, &updated); err != nil {
		return Record{}, err
	}
	r.Status = Status(status)
	r.PrevStatus = Status(prev.String)
	r.TriggerID = trig.String
	r.ErrorMessage = errMsg.String
	r.LastRunAt = fromMillis(lastRun)
	r.NextRunAt = fromMillis(nextRun)
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.UpdatedAt = time.UnixMilli(updated).UTC()
	return r, nil
}

// buildWhere renders Query filters with driver-specific placeholders and time encoding.
func buildWhere(q Query, ph func(n int) string, enc func(time.Time) any) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, op string, v any) {
		args = append(args, v)
		conds = append(conds, col+" "+op+" "+ph(len(args)))
	}
	if q.Status != "" {
		add("status", "=", string(q.Status))
	}
	if !q.UpdatedBefore.IsZero() {
		add("updated_at", "<", enc(q.UpdatedBefore))
	}
	if q.SiteID != "" {
		add("site_id", "=", q.SiteID)
	}
	if q.Operation != "" {
		add("operation", "=", q.Operation)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
