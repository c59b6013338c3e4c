package object

import "context"

// Txn is the handle a transaction body operates on. It exposes the same
// per-key contracts as the store.
//
// Atomicity is serialization, not rollback: the run loop guarantees no
// other operation interleaves with the transaction body, but writes made
// before a failure are NOT undone. This matches the underlying
// single-synchronous-block semantics and is deliberately weaker than
// ACID; callers must not assume rollback.
type Txn struct {
	store *Store
}

func (t *Txn) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return t.store.Get(ctx, key)
}

func (t *Txn) Set(ctx context.Context, key string, value []byte, opts SetOptions) (Record, error) {
	return t.store.Set(ctx, key, value, opts)
}

func (t *Txn) Delete(ctx context.Context, key string) (bool, error) {
	return t.store.Delete(ctx, key)
}

func (t *Txn) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	return t.store.GetMany(ctx, keys)
}

func (t *Txn) SetMany(ctx context.Context, entries []Entry, opts SetOptions) ([]Record, error) {
	return t.store.SetMany(ctx, entries, opts)
}

func (t *Txn) DeleteMany(ctx context.Context, keys []string) (int, error) {
	return t.store.DeleteMany(ctx, keys)
}
