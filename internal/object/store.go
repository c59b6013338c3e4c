package object

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/substratehq/objectd/internal/storage"
)

// SetOptions controls one write.
type SetOptions struct {
	// TTL sets expiry at write-time + TTL. Zero means no expiry;
	// negative is a validation error.
	TTL time.Duration

	// SuppressChange skips change capture for this write. The version
	// counter still advances.
	SuppressChange bool
}

// Entry is one key-value pair for batch writes.
type Entry struct {
	Key   string
	Value []byte
}

// ListOptions narrows a key listing.
type ListOptions struct {
	Prefix  string
	Start   string // inclusive
	End     string // exclusive
	Limit   int    // 0 means no limit
	Cursor  string // resume strictly after this key
	Reverse bool
}

// ListResult is one page of a key listing. Cursor is set to the last
// returned key when HasMore.
type ListResult struct {
	Records []Record
	Cursor  string
	HasMore bool
}

// Store is the actor's versioned key-value store. Every mutation commits
// the record write and its change row in one storage transaction, then
// delivers the event to subscribers: a mutation either fully succeeds or
// leaves no trace, including no version increment.
//
// Not safe for concurrent use; only called from the actor's run loop.
type Store struct {
	backend *storage.Store
	clk     clock.Clock
	seq     *logicalClock
	changes *ChangeLog
}

// NewStore creates a store over backend. seq and changes are shared with
// the owning actor so versions and event sequences come from one counter.
func NewStore(backend *storage.Store, clk clock.Clock, seq *logicalClock, changes *ChangeLog) *Store {
	return &Store{backend: backend, clk: clk, seq: seq, changes: changes}
}

// Get returns the value for key. The second return is false when the key
// is absent. A record past its expiry is deleted and treated as absent;
// the eviction is silent (no change event, no version increment).
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	rec, ok, err := s.getLive(ctx, NormalizeKey(key))
	if err != nil || !ok {
		return nil, false, err
	}
	return rec.Value, true, nil
}

// Set writes value under key and returns the stored record. A new key
// emits INSERT, an existing key emits UPDATE with the previous value as
// Before. CreatedAt is preserved across updates.
func (s *Store) Set(ctx context.Context, key string, value []byte, opts SetOptions) (Record, error) {
	if key == "" {
		return Record{}, NewValidationError("key must not be empty", key)
	}
	if opts.TTL < 0 {
		return Record{}, NewValidationError("ttl must not be negative", key)
	}
	key = NormalizeKey(key)

	old, existed, err := s.getLive(ctx, key)
	if err != nil {
		return Record{}, err
	}

	now := s.clk.Now()
	// Stamp with the next counter value, but commit the counter only
	// after the durable write succeeds.
	version := s.seq.Current() + 1

	rec := Record{
		Key:       key,
		Value:     value,
		Version:   version,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existed {
		rec.CreatedAt = old.CreatedAt
	}
	if opts.TTL > 0 {
		rec.ExpiresAt = now.Add(opts.TTL)
	}

	if opts.SuppressChange {
		if err := s.backend.PutRecord(ctx, recordToStorage(rec)); err != nil {
			return Record{}, err
		}
		s.seq.Next()
		s.changes.advance(version, now)
		return rec, nil
	}

	op := OpInsert
	var before []byte
	if existed {
		op = OpUpdate
		before = old.Value
	}
	ev := ChangeEvent{
		ID:         uuid.NewString(),
		Operation:  op,
		Collection: CollectionOf(key),
		DocumentID: key,
		Before:     before,
		After:      value,
		Timestamp:  now,
		Sequence:   version,
	}

	if err := s.backend.PutRecordWithChange(ctx, recordToStorage(rec), changeToStorage(ev)); err != nil {
		return Record{}, err
	}
	s.seq.Next()
	s.changes.emit(ev)
	return rec, nil
}

// Delete removes key and returns whether it existed. Deleting a present
// key emits DELETE with the old value as Before and no After; deleting an
// absent key emits nothing and returns false.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	key = NormalizeKey(key)

	old, existed, err := s.getLive(ctx, key)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}

	now := s.clk.Now()
	seq := s.seq.Current() + 1

	ev := ChangeEvent{
		ID:         uuid.NewString(),
		Operation:  OpDelete,
		Collection: CollectionOf(key),
		DocumentID: key,
		Before:     old.Value,
		Timestamp:  now,
		Sequence:   seq,
	}

	existed, err = s.backend.DeleteRecordWithChange(ctx, key, changeToStorage(ev))
	if err != nil {
		return false, err
	}
	if !existed {
		// Raced away between the read and the delete; cannot happen
		// inside the run loop, but keep the contract anyway.
		return false, nil
	}
	s.seq.Next()
	s.changes.emit(ev)
	return true, nil
}

// GetMany returns the values for the given keys, per-key contract as Get.
// Absent and expired keys are simply missing from the result.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	values := make(map[string][]byte, len(keys))
	for _, key := range keys {
		value, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			values[NormalizeKey(key)] = value
		}
	}
	return values, nil
}

// SetMany writes each entry with the per-key contract of Set. Change
// events fire in input order. A failure mid-batch leaves earlier writes
// in place.
func (s *Store) SetMany(ctx context.Context, entries []Entry, opts SetOptions) ([]Record, error) {
	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		rec, err := s.Set(ctx, e.Key, e.Value, opts)
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// DeleteMany deletes each key with the per-key contract of Delete and
// returns how many existed.
func (s *Store) DeleteMany(ctx context.Context, keys []string) (int, error) {
	deleted := 0
	for _, key := range keys {
		existed, err := s.Delete(ctx, key)
		if err != nil {
			return deleted, err
		}
		if existed {
			deleted++
		}
	}
	return deleted, nil
}

// List returns one page of records in key order, trimmed to limit; the
// cursor is the last returned key. Expired records never appear, but
// their eviction stays lazy (on Get), so the backend can hand back rows
// that are already dead.
func (s *Store) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	if opts.Limit < 0 {
		return ListResult{}, NewValidationError("limit must not be negative", "")
	}

	backendOpts := storage.ListOptions{
		Prefix:  NormalizeKey(opts.Prefix),
		Start:   NormalizeKey(opts.Start),
		End:     NormalizeKey(opts.End),
		Cursor:  NormalizeKey(opts.Cursor),
		Reverse: opts.Reverse,
	}
	now := s.clk.Now()

	if opts.Limit == 0 {
		rows, err := s.backend.ListRecords(ctx, backendOpts)
		if err != nil {
			return ListResult{}, err
		}
		return ListResult{Records: liveRecords(rows, now)}, nil
	}

	// Dead rows can fill an entire fetch window, so a single limit+1
	// fetch would under-fill the page and drop live records beyond the
	// window. Keep fetching, resuming past the last raw row, until one
	// more live record than the page needs is in hand or the backend
	// runs out.
	fetch := opts.Limit + 1
	records := make([]Record, 0, opts.Limit)
	for {
		backendOpts.Limit = fetch
		rows, err := s.backend.ListRecords(ctx, backendOpts)
		if err != nil {
			return ListResult{}, err
		}
		records = append(records, liveRecords(rows, now)...)
		if len(rows) < fetch || len(records) > opts.Limit {
			break
		}
		backendOpts.Cursor = rows[len(rows)-1].Key
	}

	result := ListResult{Records: records}
	if len(records) > opts.Limit {
		result.Records = records[:opts.Limit]
		result.HasMore = true
		result.Cursor = result.Records[len(result.Records)-1].Key
	}
	return result, nil
}

// liveRecords converts raw rows, dropping those past expiry at now.
func liveRecords(rows []storage.Record, now time.Time) []Record {
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec := recordFromStorage(row)
		if rec.Expired(now) {
			continue
		}
		records = append(records, rec)
	}
	return records
}

// getLive reads a record, treating an expired one as absent (with silent
// eviction, matching Get).
func (s *Store) getLive(ctx context.Context, key string) (Record, bool, error) {
	rec, ok, err := s.backend.GetRecord(ctx, key)
	if err != nil {
		return Record{}, false, err
	}
	if !ok {
		return Record{}, false, nil
	}
	out := recordFromStorage(rec)
	if out.Expired(s.clk.Now()) {
		if _, err := s.backend.DeleteRecord(ctx, key); err != nil {
			return Record{}, false, err
		}
		return Record{}, false, nil
	}
	return out, true, nil
}
