package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	logx "sitepulse/pkg/logx"
)

const pgUniqueViolation = "23505"

type postgresStore struct {
	db  *sql.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 8
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	st := newPostgresStore(db, log)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres ledger ready")
	return st, nil
}

func newPostgresStore(db *sql.DB, log logx.Logger) *postgresStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &postgresStore{db: db, log: log}
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *postgresStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func (s *postgresStore) Get(ctx context.Context, key Key) (Record, error) {
	if s == nil || s.db == nil {
		return Record{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger WHERE site_id = $1 AND operation = $2`,
		key.SiteID, key.Operation,
	)
	r, err := scanPostgres(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

// Mutate locks the row with SELECT ... FOR UPDATE. Two writers racing to create
// the same key collide on the primary key; the loser retries once against the
// now-visible row.
func (s *postgresStore) Mutate(ctx context.Context, key Key, fn MutateFunc) (Record, error) {
	if s == nil || s.db == nil {
		return Record{}, ErrDisabled
	}
	r, err := s.mutateOnce(ctx, key, fn)
	if errors.Is(err, ErrConflict) {
		s.log.Debug("ledger insert conflict, retrying", logx.String("key", key.String()))
		r, err = s.mutateOnce(ctx, key, fn)
	}
	return r, err
}

func (s *postgresStore) mutateOnce(ctx context.Context, key Key, fn MutateFunc) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var cur *Record
	row := tx.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger WHERE site_id = $1 AND operation = $2 FOR UPDATE`,
		key.SiteID, key.Operation,
	)
	r, err := scanPostgres(row)
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
		if cur == nil {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO ledger(`+ledgerColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
				next.SiteID, next.Operation, string(next.Status), nullStr(string(next.PrevStatus)), nullStr(next.TriggerID),
				nullTime(next.LastRunAt), nullTime(next.NextRunAt), nullStr(next.ErrorMessage), next.RetryCount,
				next.CreatedAt, next.UpdatedAt,
			)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE ledger SET status=$3, prev_status=$4, trigger_id=$5, last_run_at=$6, next_run_at=$7,
				   error_message=$8, retry_count=$9, updated_at=$10
				 WHERE site_id=$1 AND operation=$2`,
				next.SiteID, next.Operation, string(next.Status), nullStr(string(next.PrevStatus)), nullStr(next.TriggerID),
				nullTime(next.LastRunAt), nullTime(next.NextRunAt), nullStr(next.ErrorMessage), next.RetryCount,
				next.UpdatedAt,
			)
		}
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
				return Record{}, ErrConflict
			}
			return Record{}, err
		}
	case Delete:
		if _, err = tx.ExecContext(ctx, `DELETE FROM ledger WHERE site_id = $1 AND operation = $2`, key.SiteID, key.Operation); err != nil {
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

func (s *postgresStore) List(ctx context.Context, q Query) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	where, args := buildWhere(q, func(n int) string { return "$" + strconv.Itoa(n) }, func(t time.Time) any { return t })
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
		r, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanPostgres(row rowScanner) (Record, error) {
	var (
		r                  Record
		status             string
		prev, trig, errMsg sql.NullString
		lastRun, nextRun   sql.NullTime
	)
	if err := row.Scan(&r.SiteID, &r.Operation, &status, &prev, &trig, &lastRun, &nextRun, &errMsg, &r.RetryCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return Record{}, err
	}
	r.Status = Status(status)
	r.PrevStatus = Status(prev.String)
	r.TriggerID = trig.String
	r.ErrorMessage = errMsg.String
	if lastRun.Valid {
		t := lastRun.Time.UTC()
		r.LastRunAt = &t
	}
	if nextRun.Valid {
		t := nextRun.Time.UTC()
		r.NextRunAt = &t
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}
