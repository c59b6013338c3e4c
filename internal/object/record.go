package object

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/substratehq/objectd/internal/storage"
)

// Operation is the kind of mutation a change event describes.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Record is one key-value entry. Keys follow the "collection:id"
// convention. Version comes from the actor's logical clock: a single
// counter incremented once per mutation across the entire store, so
// versions order mutations totally, not per key.
type Record struct {
	Key       string
	Value     []byte
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time // zero when the record never expires
}

// Expired reports whether the record is past its expiry at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// ChangeEvent describes one mutation. Sequence is strictly increasing,
// one event per mutation, in mutation order.
type ChangeEvent struct {
	ID         string    `json:"id"`
	Operation  Operation `json:"operation"`
	Collection string    `json:"collection"`
	DocumentID string    `json:"document_id"`
	Before     []byte    `json:"before,omitempty"`
	After      []byte    `json:"after,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Sequence   int64     `json:"sequence"`
}

// Cursor is a resumption token into the change stream. Sequence is the
// authoritative position; Timestamp is advisory.
type Cursor struct {
	Sequence  int64
	Timestamp time.Time
}

// Token encodes the cursor as an opaque string.
func (c Cursor) Token() string {
	return fmt.Sprintf("%d.%d", c.Sequence, c.Timestamp.UnixNano())
}

// ParseCursor decodes a token produced by Token.
func ParseCursor(token string) (Cursor, error) {
	seqStr, tsStr, ok := strings.Cut(token, ".")
	if !ok {
		return Cursor{}, NewValidationError(fmt.Sprintf("malformed cursor %q", token), "")
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return Cursor{}, NewValidationError(fmt.Sprintf("malformed cursor %q", token), "")
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return Cursor{}, NewValidationError(fmt.Sprintf("malformed cursor %q", token), "")
	}
	return Cursor{Sequence: seq, Timestamp: time.Unix(0, ts)}, nil
}

// NormalizeKey returns the canonical (NFC) form of a key so that
// visually-identical keys compare equal regardless of how the caller
// composed them.
func NormalizeKey(key string) string {
	return norm.NFC.String(key)
}

// CollectionOf returns the key's collection: the prefix up to the first
// ':'. A key without a separator is its own collection.
func CollectionOf(key string) string {
	if c, _, ok := strings.Cut(key, ":"); ok {
		return c
	}
	return key
}

func recordFromStorage(rec storage.Record) Record {
	return Record(rec)
}

func recordToStorage(rec Record) storage.Record {
	return storage.Record(rec)
}

func changeFromStorage(ch storage.Change) ChangeEvent {
	return ChangeEvent{
		ID:         ch.ID,
		Operation:  Operation(ch.Op),
		Collection: ch.Collection,
		DocumentID: ch.DocID,
		Before:     ch.Before,
		After:      ch.After,
		Timestamp:  ch.Timestamp,
		Sequence:   ch.Seq,
	}
}

func changeToStorage(ev ChangeEvent) storage.Change {
	return storage.Change{
		Seq:        ev.Sequence,
		ID:         ev.ID,
		Op:         string(ev.Operation),
		Collection: ev.Collection,
		DocID:      ev.DocumentID,
		Before:     ev.Before,
		After:      ev.After,
		Timestamp:  ev.Timestamp,
	}
}
