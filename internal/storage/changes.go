package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Change is one row of the append-only change log.
// Before is nil for inserts; After is nil for deletes.
type Change struct {
	Seq        int64
	ID         string
	Op         string
	Collection string
	DocID      string
	Before     []byte
	After      []byte
	Timestamp  time.Time
}

const appendChangeSQL = `
	INSERT INTO changes (seq, id, op, collection, doc_id, before, after, ts)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

func appendChangeArgs(ch Change) []any {
	return []any{
		ch.Seq,
		ch.ID,
		ch.Op,
		ch.Collection,
		ch.DocID,
		ch.Before,
		ch.After,
		ch.Timestamp.UnixNano(),
	}
}

// AppendChange inserts a change row on its own, outside any record write.
// The mutation paths use PutRecordWithChange/DeleteRecordWithChange instead
// so the record and its change row share a transaction.
func (s *Store) AppendChange(ctx context.Context, ch Change) error {
	if _, err := s.db.ExecContext(ctx, appendChangeSQL, appendChangeArgs(ch)...); err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}

// ChangesSince returns up to limit change rows with seq strictly greater
// than afterSeq, in seq order. limit <= 0 means no limit.
func (s *Store) ChangesSince(ctx context.Context, afterSeq int64, limit int) ([]Change, error) {
	query := `
		SELECT seq, id, op, collection, doc_id, before, after, ts
		FROM changes
		WHERE seq > ?
		ORDER BY seq ASC
	`
	args := []any{afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("changes since: %w", err)
	}
	defer rows.Close()

	changes := []Change{}
	for rows.Next() {
		var (
			ch Change
			ts int64
		)
		if err := rows.Scan(&ch.Seq, &ch.ID, &ch.Op, &ch.Collection, &ch.DocID, &ch.Before, &ch.After, &ts); err != nil {
			return nil, fmt.Errorf("changes since: scan: %w", err)
		}
		ch.Timestamp = time.Unix(0, ts)
		changes = append(changes, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("changes since: iterate: %w", err)
	}

	return changes, nil
}

// MaxChangeSeq returns the highest seq in the change log, or 0 when the
// log is empty. Used to restore the logical clock at startup so sequences
// never regress across restarts.
func (s *Store) MaxChangeSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM changes`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("max change seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
