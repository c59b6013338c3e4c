package object

import (
	"context"
	"time"

	"github.com/juju/loggo/v2"

	"github.com/substratehq/objectd/internal/storage"
)

var logger = loggo.GetLogger("objectd.object")

// MutationHandler receives one change event per mutation, in mutation
// order. A returned error (or a panic) is logged and never aborts the
// mutation or the remaining handlers.
type MutationHandler func(ChangeEvent) error

// subscription is one registered handler. Subscriptions live in an
// ordered slice, not a map, so delivery order is deterministic:
// registration order.
type subscription struct {
	token   int
	handler MutationHandler
}

// ChangeLog fans mutations out to subscribers and keeps the durable,
// cursor-addressable history in the storage backend.
//
// Not safe for concurrent use; only called from the actor's run loop.
type ChangeLog struct {
	backend   *storage.Store
	subs      []subscription
	nextToken int
	position  Cursor
}

// NewChangeLog creates a change log over backend, resuming its cursor
// position at seq.
func NewChangeLog(backend *storage.Store, seq int64) *ChangeLog {
	return &ChangeLog{
		backend:  backend,
		position: Cursor{Sequence: seq},
	}
}

// OnMutation registers a handler and returns its unsubscribe function.
// Handlers are delivered events in registration order. Unsubscribing is
// idempotent.
func (l *ChangeLog) OnMutation(handler MutationHandler) (unsubscribe func()) {
	token := l.nextToken
	l.nextToken++
	l.subs = append(l.subs, subscription{token: token, handler: handler})

	return func() {
		for i, sub := range l.subs {
			if sub.token == token {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				return
			}
		}
	}
}

// emit advances the cursor and delivers ev to every subscriber. Called by
// the store synchronously with each mutation, after the durable write
// committed.
func (l *ChangeLog) emit(ev ChangeEvent) {
	l.position = Cursor{Sequence: ev.Sequence, Timestamp: ev.Timestamp}
	for _, sub := range l.subs {
		deliver(sub.handler, ev)
	}
}

// deliver invokes one handler, containing errors and panics.
func deliver(handler MutationHandler, ev ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("mutation handler panic on %s seq=%d: %v", ev.DocumentID, ev.Sequence, r)
		}
	}()
	if err := handler(ev); err != nil {
		logger.Errorf("mutation handler failed on %s seq=%d: %v", ev.DocumentID, ev.Sequence, err)
	}
}

// Cursor returns the current stream position.
func (l *ChangeLog) Cursor() Cursor {
	return l.position
}

// ChangesSince replays historical events with sequence strictly greater
// than the cursor's, in sequence order, up to limit (limit <= 0 means no
// limit). The zero Cursor replays from the beginning of the log.
func (l *ChangeLog) ChangesSince(ctx context.Context, cur Cursor, limit int) ([]ChangeEvent, error) {
	rows, err := l.backend.ChangesSince(ctx, cur.Sequence, limit)
	if err != nil {
		return nil, err
	}
	events := make([]ChangeEvent, len(rows))
	for i, row := range rows {
		events[i] = changeFromStorage(row)
	}
	return events, nil
}

// advance moves the cursor without emitting; used when a mutation is
// written with change emission suppressed.
func (l *ChangeLog) advance(seq int64, ts time.Time) {
	if seq > l.position.Sequence {
		l.position = Cursor{Sequence: seq, Timestamp: ts}
	}
}
