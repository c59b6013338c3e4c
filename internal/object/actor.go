package object

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/substratehq/objectd/internal/alarm"
	"github.com/substratehq/objectd/internal/storage"
)

// Options configures a new actor. The zero value is usable: wall clock,
// clock-backed scheduler persisting through the storage backend, no-op
// lifecycle observer, no connection registry.
type Options struct {
	// ID names the actor instance. Empty means a random UUID.
	ID string

	// Clock supplies wall time. Nil means clock.WallClock.
	Clock clock.Clock

	// Scheduler registers wake-up alarms. Nil means a ClockScheduler
	// over Clock, mirroring the pending alarm into the backend.
	Scheduler alarm.Scheduler

	// Hibernation tunes the idle state machine.
	Hibernation HibernationConfig

	// Connections is flipped across hibernation when
	// Hibernation.PreserveConnections is set. May be nil.
	Connections ConnectionSuspender
}

// Actor is one digital object: durable keyed state, ordered change
// capture, and a hibernation lifecycle, all behind a single-threaded
// execution boundary.
//
// Every method funnels through the run loop, so operations against one
// actor are strictly serialized; distinct actors share nothing and run
// in parallel. Methods block while earlier operations (including
// suspended user hooks) are in flight.
type Actor struct {
	id      string
	backend *storage.Store
	clk     clock.Clock
	seq     *logicalClock
	store   *Store
	changes *ChangeLog
	hib     *Hibernator
	loop    *runLoop
}

// New builds an actor over backend, restoring the logical clock from
// durable state so versions and sequences never regress across restarts.
// The caller must start Run before using the actor.
func New(ctx context.Context, backend *storage.Store, opts Options) (*Actor, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Scheduler == nil {
		opts.Scheduler = alarm.NewClockScheduler(opts.Clock, backend)
	}
	if opts.Hibernation.IdleTimeout <= 0 {
		opts.Hibernation.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Hibernation.MaxHibernation <= 0 {
		opts.Hibernation.MaxHibernation = DefaultMaxHibernation
	}

	maxSeq, err := backend.MaxChangeSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore sequence: %w", err)
	}
	maxVersion, err := backend.MaxRecordVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore version: %w", err)
	}
	start := maxSeq
	if maxVersion > start {
		start = maxVersion
	}

	a := &Actor{
		id:      opts.ID,
		backend: backend,
		clk:     opts.Clock,
		seq:     newLogicalClockAt(start),
		loop:    newRunLoop(),
	}
	a.changes = NewChangeLog(backend, start)
	a.store = NewStore(backend, opts.Clock, a.seq, a.changes)
	a.hib = NewHibernator(opts.Hibernation, opts.Clock, opts.Scheduler, opts.Connections, a.enqueueAlarm)
	return a, nil
}

// Default hibernation tunables, used when Options leaves them zero.
const (
	DefaultIdleTimeout    = 30 * time.Second
	DefaultMaxHibernation = time.Hour
)

// ID returns the actor's instance id.
func (a *Actor) ID() string {
	return a.id
}

// Run drains the actor's run loop until ctx is canceled. It blocks;
// callers run it on its own goroutine. After Run returns every pending
// and future operation fails with ErrClosed.
func (a *Actor) Run(ctx context.Context) {
	a.loop.Run(ctx)
}

// Touch records one inbound unit of work: it wakes a hibernating actor
// and pushes the idle-check alarm out. The request façade calls this
// before any other operation.
func (a *Actor) Touch(ctx context.Context) error {
	return a.do(ctx, func(ctx context.Context) error {
		return a.hib.Touch(ctx)
	})
}

// IsHibernating reports the lifecycle state.
func (a *Actor) IsHibernating(ctx context.Context) (bool, error) {
	var hibernating bool
	err := a.do(ctx, func(context.Context) error {
		hibernating = a.hib.IsHibernating()
		return nil
	})
	return hibernating, err
}

// IsIdle reports whether the idle timeout has elapsed since the last
// activity.
func (a *Actor) IsIdle(ctx context.Context) (bool, error) {
	var idle bool
	err := a.do(ctx, func(context.Context) error {
		idle = a.hib.IsIdle()
		return nil
	})
	return idle, err
}

// ForceHibernate transitions to Hibernating immediately, bypassing the
// idle check.
func (a *Actor) ForceHibernate(ctx context.Context) error {
	return a.do(ctx, a.hib.ForceHibernate)
}

// ForceWake transitions to Active immediately.
func (a *Actor) ForceWake(ctx context.Context) error {
	return a.do(ctx, a.hib.ForceWake)
}

// Get returns the value for key; false when absent or expired.
func (a *Actor) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		ok    bool
	)
	err := a.do(ctx, func(ctx context.Context) error {
		var err error
		value, ok, err = a.store.Get(ctx, key)
		return err
	})
	return value, ok, err
}

// Set writes value under key.
func (a *Actor) Set(ctx context.Context, key string, value []byte, opts SetOptions) (Record, error) {
	var rec Record
	err := a.do(ctx, func(ctx context.Context) error {
		var err error
		rec, err = a.store.Set(ctx, key, value, opts)
		return err
	})
	return rec, err
}

// Delete removes key, reporting whether it existed.
func (a *Actor) Delete(ctx context.Context, key string) (bool, error) {
	var existed bool
	err := a.do(ctx, func(ctx context.Context) error {
		var err error
		existed, err = a.store.Delete(ctx, key)
		return err
	})
	return existed, err
}

// GetMany batches Get, per-key contract unchanged.
func (a *Actor) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	var values map[string][]byte
	err := a.do(ctx, func(ctx context.Context) error {
		var err error
		values, err = a.store.GetMany(ctx, keys)
		return err
	})
	return values, err
}

// SetMany batches Set; change events fire in input order.
func (a *Actor) SetMany(ctx context.Context, entries []Entry, opts SetOptions) ([]Record, error) {
	var records []Record
	err := a.do(ctx, func(ctx context.Context) error {
		var err error
		records, err = a.store.SetMany(ctx, entries, opts)
		return err
	})
	return records, err
}

// DeleteMany batches Delete, returning how many keys existed.
func (a *Actor) DeleteMany(ctx context.Context, keys []string) (int, error) {
	var deleted int
	err := a.do(ctx, func(ctx context.Context) error {
		var err error
		deleted, err = a.store.DeleteMany(ctx, keys)
		return err
	})
	return deleted, err
}

// List returns one page of records in key order.
func (a *Actor) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	var result ListResult
	err := a.do(ctx, func(ctx context.Context) error {
		var err error
		result, err = a.store.List(ctx, opts)
		return err
	})
	return result, err
}

// Transaction runs fn against a handle with the store's operations. The
// body is serialized against all other operations, but a failure does not
// undo earlier writes; see Txn.
func (a *Actor) Transaction(ctx context.Context, fn func(ctx context.Context, tx *Txn) error) error {
	return a.do(ctx, func(ctx context.Context) error {
		return fn(ctx, &Txn{store: a.store})
	})
}

// OnMutation subscribes to change events in mutation order. The returned
// unsubscribe is itself serialized through the run loop.
func (a *Actor) OnMutation(ctx context.Context, handler MutationHandler) (func(), error) {
	var cancel func()
	err := a.do(ctx, func(context.Context) error {
		cancel = a.changes.OnMutation(handler)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return func() {
		_ = a.do(context.Background(), func(context.Context) error {
			cancel()
			return nil
		})
	}, nil
}

// ChangesSince replays the durable change log after cur, up to limit.
func (a *Actor) ChangesSince(ctx context.Context, cur Cursor, limit int) ([]ChangeEvent, error) {
	var events []ChangeEvent
	err := a.do(ctx, func(ctx context.Context) error {
		var err error
		events, err = a.changes.ChangesSince(ctx, cur, limit)
		return err
	})
	return events, err
}

// Cursor returns the current change-stream position.
func (a *Actor) Cursor(ctx context.Context) (Cursor, error) {
	var cur Cursor
	err := a.do(ctx, func(context.Context) error {
		cur = a.changes.Cursor()
		return nil
	})
	return cur, err
}

// do runs fn on the run loop and returns its error.
func (a *Actor) do(ctx context.Context, fn func(context.Context) error) error {
	var opErr error
	if err := a.loop.Do(ctx, func() {
		opErr = fn(ctx)
	}); err != nil {
		return err
	}
	return opErr
}

// enqueueAlarm hands an alarm callback to the run loop. Alarm goroutines
// must never bypass the execution boundary.
func (a *Actor) enqueueAlarm(fn func()) {
	if err := a.loop.Do(context.Background(), fn); err != nil && !IsClosed(err) {
		logger.Warningf("alarm callback dropped: %v", err)
	}
}
