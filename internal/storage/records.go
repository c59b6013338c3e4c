package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Record is the durable form of one key-value entry.
// ExpiresAt is the zero time when the record never expires.
type Record struct {
	Key       string
	Value     []byte
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// GetRecord returns the record for key.
// The second return is false when no record exists.
//
// Expiry is NOT evaluated here; the object layer owns lazy eviction, and
// evicts silently (no change event, no version increment).
func (s *Store) GetRecord(ctx context.Context, key string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, value, version, created_at, updated_at, expires_at
		FROM records
		WHERE key = ?
	`, key)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get record: %w", err)
	}
	return rec, true, nil
}

// PutRecord upserts a record without touching the change log.
// Used for mutations with change emission disabled; the normal path is
// PutRecordWithChange.
func (s *Store) PutRecord(ctx context.Context, rec Record) error {
	if _, err := s.db.ExecContext(ctx, putRecordSQL, putRecordArgs(rec)...); err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// DeleteRecord removes a record without touching the change log.
// Returns whether a record existed.
func (s *Store) DeleteRecord(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete record: rows affected: %w", err)
	}
	return n > 0, nil
}

// PutRecordWithChange commits the record upsert and its change row in one
// transaction: either both land or neither does.
func (s *Store) PutRecordWithChange(ctx context.Context, rec Record, ch Change) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put record with change: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, putRecordSQL, putRecordArgs(rec)...); err != nil {
		return fmt.Errorf("put record with change: %w", err)
	}
	if _, err := tx.ExecContext(ctx, appendChangeSQL, appendChangeArgs(ch)...); err != nil {
		return fmt.Errorf("put record with change: append: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put record with change: commit: %w", err)
	}
	return nil
}

// DeleteRecordWithChange commits the record delete and its change row in
// one transaction. Returns whether a record existed; when it did not, no
// change row is written.
func (s *Store) DeleteRecordWithChange(ctx context.Context, key string, ch Change) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("delete record with change: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete record with change: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete record with change: rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, appendChangeSQL, appendChangeArgs(ch)...); err != nil {
		return false, fmt.Errorf("delete record with change: append: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("delete record with change: commit: %w", err)
	}
	return true, nil
}

// ListOptions narrows a key listing. All fields are optional.
// Cursor is exclusive: listing resumes strictly after (or before, when
// Reverse) the cursor key.
type ListOptions struct {
	Prefix  string
	Start   string // inclusive lower bound
	End     string // exclusive upper bound
	Cursor  string
	Limit   int // 0 means no limit
	Reverse bool
}

// ListRecords returns records whose keys match opts, ordered by key
// (COLLATE BINARY) ascending, or descending when opts.Reverse.
func (s *Store) ListRecords(ctx context.Context, opts ListOptions) ([]Record, error) {
	var (
		conds []string
		args  []any
	)
	if opts.Prefix != "" {
		// Half-open range [prefix, prefix+0xff...) expressed via LIKE-free
		// comparison so COLLATE BINARY ordering applies.
		conds = append(conds, "key >= ?", "key < ?")
		args = append(args, opts.Prefix, prefixUpperBound(opts.Prefix))
	}
	if opts.Start != "" {
		conds = append(conds, "key >= ?")
		args = append(args, opts.Start)
	}
	if opts.End != "" {
		conds = append(conds, "key < ?")
		args = append(args, opts.End)
	}
	if opts.Cursor != "" {
		if opts.Reverse {
			conds = append(conds, "key < ?")
		} else {
			conds = append(conds, "key > ?")
		}
		args = append(args, opts.Cursor)
	}

	query := `
		SELECT key, value, version, created_at, updated_at, expires_at
		FROM records
	`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if opts.Reverse {
		query += " ORDER BY key COLLATE BINARY DESC"
	} else {
		query += " ORDER BY key COLLATE BINARY ASC"
	}
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: iterate: %w", err)
	}

	return records, nil
}

// MaxRecordVersion returns the highest version among stored records, or 0
// when there are none. Together with MaxChangeSeq this restores the
// logical clock at startup.
func (s *Store) MaxRecordVersion(ctx context.Context) (int64, error) {
	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM records`).Scan(&version); err != nil {
		return 0, fmt.Errorf("max record version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return version.Int64, nil
}

const putRecordSQL = `
	INSERT INTO records (key, value, version, created_at, updated_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		version = excluded.version,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		expires_at = excluded.expires_at
`

func putRecordArgs(rec Record) []any {
	return []any{
		rec.Key,
		rec.Value,
		rec.Version,
		rec.CreatedAt.UnixNano(),
		rec.UpdatedAt.UnixNano(),
		nullableTime(rec.ExpiresAt),
	}
}

// scanner abstracts sql.Row and sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec              Record
		created, updated int64
		expires          sql.NullInt64
	)
	if err := row.Scan(&rec.Key, &rec.Value, &rec.Version, &created, &updated, &expires); err != nil {
		return Record{}, err
	}
	rec.CreatedAt = time.Unix(0, created)
	rec.UpdatedAt = time.Unix(0, updated)
	if expires.Valid {
		rec.ExpiresAt = time.Unix(0, expires.Int64)
	}
	return rec, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

// prefixUpperBound returns the smallest string greater than every string
// with the given prefix, for half-open range scans.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	// All 0xff bytes: no upper bound; 0xff-padded sentinel keeps the
	// comparison valid for any practical key length.
	return prefix + strings.Repeat("\xff", 64)
}
