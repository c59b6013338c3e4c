package storage

import (
	"path/filepath"
	"testing"
	"time"
)

// createTestStore creates a file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRecord creates a record with minimal required fields.
func createTestRecord(key string, value []byte, version int64) Record {
	now := time.Unix(0, 1700000000000000000)
	return Record{
		Key:       key,
		Value:     value,
		Version:   version,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// createTestChange creates a change row with minimal required fields.
func createTestChange(seq int64, op, key string) Change {
	return Change{
		Seq:        seq,
		ID:         "evt-" + key,
		Op:         op,
		Collection: "test",
		DocID:      key,
		After:      []byte(`{"v":1}`),
		Timestamp:  time.Unix(0, 1700000000000000000),
	}
}
