package ephemeral

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresValueTableName   = "relayhub_kv"
	postgresListTableName    = "relayhub_list"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps values and lists in two tables. Expiry is evaluated
// against the database clock; Sweep deletes expired rows.
type PostgresStore struct {
	dsn        string
	valueTable string
	listTable  string
	openDB     sqlOpenFunc

	initMu sync.Mutex
	db     *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:        dsn,
		valueTable: postgresValueTableName,
		listTable:  postgresListTableName,
		openDB:     sql.Open,
	}, nil
}

func (s *PostgresStore) Backend() string {
	return "postgres"
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, error) {
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT value FROM %s WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())", s.values())
	var value string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, expires_at)
		VALUES ($1, $2, %s)
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`, s.values(), postgresExpiryExpr("$3"))
	_, err := s.db.ExecContext(ctx, query, key, value, ttl.Milliseconds())
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = ANY($1)", s.values()), pq.Array(keys)); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE list_key = ANY($1)", s.lists()), pq.Array(keys))
	return err
}

func (s *PostgresStore) SetIfAbsentOrEqual(ctx context.Context, key, value string, ttl time.Duration) (bool, string, error) {
	if strings.TrimSpace(key) == "" || value == "" {
		return false, "", ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return false, "", err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	table := s.values()
	query := fmt.Sprintf(`
		INSERT INTO %s AS held (key, value, expires_at)
		VALUES ($1, $2, %s)
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
		WHERE held.value = EXCLUDED.value
			OR (held.expires_at IS NOT NULL AND held.expires_at <= NOW())
		RETURNING value`, table, postgresExpiryExpr("$3"))
	var holder string
	err := s.db.QueryRowContext(ctx, query, key, value, ttl.Milliseconds()).Scan(&holder)
	if err == nil {
		return true, holder, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, "", err
	}
	current, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return false, current, nil
}

func (s *PostgresStore) DeleteIfEqual(ctx context.Context, key, value string) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE key = $1 AND value = $2 AND (expires_at IS NULL OR expires_at > NOW())", s.values())
	result, err := s.db.ExecContext(ctx, query, key, value)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListPush(ctx context.Context, key, value string, maxLen int, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		table := s.lists()
		insert := fmt.Sprintf("INSERT INTO %s (list_key, value, expires_at) VALUES ($1, $2, NULL)", table)
		if _, err := tx.ExecContext(ctx, insert, key, value); err != nil {
			return err
		}
		if maxLen > 0 {
			trim := fmt.Sprintf(`
				DELETE FROM %s WHERE list_key = $1 AND id NOT IN (
					SELECT id FROM %s WHERE list_key = $1 ORDER BY id DESC LIMIT $2
				)`, table, table)
			if _, err := tx.ExecContext(ctx, trim, key, maxLen); err != nil {
				return err
			}
		}
		if ttl > 0 {
			expire := fmt.Sprintf("UPDATE %s SET expires_at = %s WHERE list_key = $1", table, postgresExpiryExpr("$2"))
			if _, err := tx.ExecContext(ctx, expire, key, ttl.Milliseconds()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) ListRange(ctx context.Context, key string, start, stop int) ([]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT value FROM %s WHERE list_key = $1 AND (expires_at IS NULL OR expires_at > NOW()) ORDER BY id DESC", s.lists())
	rows, err := s.db.QueryContext(ctx, query, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []string{}
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		items = append(items, value)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	lo, hi, ok := listBounds(len(items), start, stop)
	if !ok {
		return []string{}, nil
	}
	return items[lo:hi], nil
}

func (s *PostgresStore) ListReplace(ctx context.Context, key string, values []string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		table := s.lists()
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE list_key = $1", table), key); err != nil {
			return err
		}
		insert := fmt.Sprintf("INSERT INTO %s (list_key, value, expires_at) VALUES ($1, $2, %s)", table, postgresExpiryExpr("$3"))
		// Highest id is the head, so insert from the tail forward.
		for i := len(values) - 1; i >= 0; i-- {
			if _, err := tx.ExecContext(ctx, insert, key, values[i], ttl.Milliseconds()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) DeletePattern(ctx context.Context, pattern string) (int, error) {
	if strings.TrimSpace(pattern) == "" {
		return 0, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	like := postgresLikePattern(pattern)
	result, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key LIKE $1", s.values()), like)
	if err != nil {
		return 0, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE list_key LIKE $1 RETURNING list_key", s.lists()), like)
	if err != nil {
		return int(deleted), err
	}
	defer rows.Close()
	lists := map[string]struct{}{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return int(deleted), err
		}
		lists[key] = struct{}{}
	}
	return int(deleted) + len(lists), rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Sweep(ctx context.Context) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	removed := 0
	for _, table := range []string{s.values(), s.lists()} {
		result, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= NOW()", table))
		if err != nil {
			return removed, err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return removed, err
		}
		removed += int(n)
	}
	return removed, nil
}

func (s *PostgresStore) Close() error {
	if s == nil {
		return nil
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	// A failed bootstrap is not cached; the next call opens and migrates again.
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := s.openDB("postgres", s.dsn)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	statements := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at TIMESTAMPTZ
		)`, s.values()),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			list_key TEXT NOT NULL,
			value TEXT NOT NULL,
			expires_at TIMESTAMPTZ
		)`, s.lists()),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (list_key, id)",
			postgresQuoteIdentifier(s.listTable+"_key_id_idx"), s.lists()),
	}
	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			_ = db.Close()
			return err
		}
	}
	s.db = db
	return nil
}

func (s *PostgresStore) values() string {
	return postgresQuoteIdentifier(s.valueTable)
}

func (s *PostgresStore) lists() string {
	return postgresQuoteIdentifier(s.listTable)
}

// postgresExpiryExpr turns a millisecond ttl parameter into an absolute
// expiry on the database clock, NULL when the ttl is not positive.
func postgresExpiryExpr(param string) string {
	return fmt.Sprintf("CASE WHEN %s::BIGINT > 0 THEN NOW() + (%s::BIGINT * INTERVAL '1 millisecond') ELSE NULL END", param, param)
}

func postgresLikePattern(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '\\', '%', '_':
			b.WriteRune('\\')
			b.WriteRune(r)
		case '*':
			b.WriteRune('%')
		case '?':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
