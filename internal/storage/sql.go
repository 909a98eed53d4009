package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// entriesTable is the table used by the SQL backends.
const entriesTable = "loadstate_entries"

// sqlStore implements Store over database/sql. The SQLite and Postgres
// backends differ only in driver, DSN, and placeholder style.
type sqlStore struct {
	db       *sql.DB
	driver   Driver
	numbered bool // $1-style placeholders
	cfg      settings
}

func newSQLStore(ctx context.Context, db *sql.DB, driver Driver, numbered bool, cfg settings) (*sqlStore, error) {
	s := &sqlStore{db: db, driver: driver, numbered: numbered, cfg: cfg}
	ddl := `CREATE TABLE IF NOT EXISTS ` + entriesTable + ` (
		entry_key TEXT PRIMARY KEY,
		entry_value TEXT NOT NULL,
		version BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL DEFAULT 0
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create %s table: %w", entriesTable, err)
	}
	return s, nil
}

// Driver returns the backend driver.
func (s *sqlStore) Driver() Driver { return s.driver }

// DB exposes the underlying sql.DB for tests.
func (s *sqlStore) DB() *sql.DB { return s.db }

func (s *sqlStore) Get(ctx context.Context, key string) (Entry, error) {
	if err := validateKey(key); err != nil {
		return Entry{}, err
	}
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT entry_key, entry_value, version, updated_at, expires_at FROM `+entriesTable+` WHERE entry_key = ?`), key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("select entry %s: %w", key, err)
	}
	if e.IsExpired(s.cfg.now()) {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *sqlStore) Put(ctx context.Context, key string, value json.RawMessage, opts PutOptions) (_ Entry, retErr error) {
	if err := validateKey(key); err != nil {
		return Entry{}, err
	}
	if err := validateValue(value); err != nil {
		return Entry{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	now := s.cfg.now()
	var (
		stored    int64
		expiresAt int64
		exists    = true
	)
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT version, expires_at FROM `+entriesTable+` WHERE entry_key = ?`), key).
		Scan(&stored, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		exists = false
	case err != nil:
		return Entry{}, fmt.Errorf("select version %s: %w", key, err)
	}

	current := stored
	if !exists || (expiresAt > 0 && expiresAt <= now.UnixNano()) {
		current = 0
	}
	if versionErr := checkVersion(key, opts.ExpectedVersion, current); versionErr != nil {
		return Entry{}, versionErr
	}

	e := newEntry(key, value, current, now, opts.TTL)
	var res sql.Result
	if exists {
		// The version guard catches a concurrent writer that committed
		// between the select and this update.
		res, err = tx.ExecContext(ctx, s.rebind(`UPDATE `+entriesTable+`
			SET entry_value = ?, version = ?, updated_at = ?, expires_at = ?
			WHERE entry_key = ? AND version = ?`),
			string(e.Value), e.Version, e.UpdatedAt.UnixNano(), unixNanoOrZero(e.ExpiresAt), key, stored)
	} else {
		res, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO `+entriesTable+`
			(entry_key, entry_value, version, updated_at, expires_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (entry_key) DO NOTHING`),
			key, string(e.Value), e.Version, e.UpdatedAt.UnixNano(), unixNanoOrZero(e.ExpiresAt))
	}
	if err != nil {
		return Entry{}, fmt.Errorf("write entry %s: %w", key, err)
	}
	if n, rowsErr := res.RowsAffected(); rowsErr == nil && n == 0 {
		return Entry{}, &StaleWriteError{Key: key, Expected: opts.ExpectedVersion, Current: current}
	}

	if err = tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit: %w", err)
	}
	return e, nil
}

func (s *sqlStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM `+entriesTable+` WHERE entry_key = ?`), key); err != nil {
		return fmt.Errorf("delete entry %s: %w", key, err)
	}
	return nil
}

func (s *sqlStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT entry_key, entry_value, version, updated_at, expires_at
		FROM `+entriesTable+` WHERE substr(entry_key, 1, ?) = ? AND (expires_at = 0 OR expires_at > ?)
		ORDER BY entry_key`), utf8.RuneCountInString(prefix), prefix, s.cfg.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		e, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan: %w", scanErr)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Collations differ between databases; order by bytes like the other backends.
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *sqlStore) Prune(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM `+entriesTable+` WHERE expires_at > 0 AND expires_at <= ?`), s.cfg.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var (
		e         Entry
		value     string
		updatedAt int64
		expiresAt int64
	)
	if err := r.Scan(&e.Key, &value, &e.Version, &updatedAt, &expiresAt); err != nil {
		return Entry{}, err
	}
	e.Value = json.RawMessage(value)
	e.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if expiresAt > 0 {
		e.ExpiresAt = time.Unix(0, expiresAt).UTC()
	}
	return e, nil
}

func unixNanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// rebind rewrites ? placeholders to $n for drivers that need it.
func (s *sqlStore) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
