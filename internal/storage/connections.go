package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ConnectionMeta is the durable slice of a connection: enough to restore
// id, topic subscriptions and attached data after hibernation. The socket
// itself is never persisted.
type ConnectionMeta struct {
	ID           int64
	Status       string
	ConnectedAt  time.Time
	HibernatedAt time.Time // zero unless hibernating
	Attached     []byte
	Topics       []string
}

// SaveConnection upserts connection metadata.
func (s *Store) SaveConnection(ctx context.Context, meta ConnectionMeta) error {
	topics, err := json.Marshal(meta.Topics)
	if err != nil {
		return fmt.Errorf("save connection: marshal topics: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connections (id, status, connected_at, hibernated_at, attached, topics)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			hibernated_at = excluded.hibernated_at,
			attached = excluded.attached,
			topics = excluded.topics
	`,
		meta.ID,
		meta.Status,
		meta.ConnectedAt.UnixNano(),
		nullableTime(meta.HibernatedAt),
		meta.Attached,
		string(topics),
	)
	if err != nil {
		return fmt.Errorf("save connection: %w", err)
	}
	return nil
}

// DeleteConnection removes connection metadata. Idempotent.
func (s *Store) DeleteConnection(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return nil
}

// ListConnections returns all persisted connection metadata ordered by id.
func (s *Store) ListConnections(ctx context.Context) ([]ConnectionMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, connected_at, hibernated_at, attached, topics
		FROM connections
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	metas := []ConnectionMeta{}
	for rows.Next() {
		var (
			meta       ConnectionMeta
			connected  int64
			hibernated sql.NullInt64
			topics     string
		)
		if err := rows.Scan(&meta.ID, &meta.Status, &connected, &hibernated, &meta.Attached, &topics); err != nil {
			return nil, fmt.Errorf("list connections: scan: %w", err)
		}
		meta.ConnectedAt = time.Unix(0, connected)
		if hibernated.Valid {
			meta.HibernatedAt = time.Unix(0, hibernated.Int64)
		}
		if err := json.Unmarshal([]byte(topics), &meta.Topics); err != nil {
			return nil, fmt.Errorf("list connections: unmarshal topics: %w", err)
		}
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list connections: iterate: %w", err)
	}

	return metas, nil
}
