package object

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/objectd/internal/storage"
	"github.com/substratehq/objectd/internal/testutil"
)

// startTestActor builds an actor over backend and runs its loop for the
// duration of the test.
func startTestActor(t *testing.T, backend *storage.Store, opts Options) *Actor {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = testclock.NewClock(epoch)
	}
	if opts.Scheduler == nil {
		opts.Scheduler = testutil.NewScheduler()
	}
	a, err := New(context.Background(), backend, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a
}

func TestActor_RoundTripThroughLoop(t *testing.T) {
	a := startTestActor(t, newTestBackend(t), Options{})
	ctx := context.Background()

	require.NoError(t, a.Touch(ctx))

	rec, err := a.Set(ctx, "users:alice", []byte("v1"), SetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)

	value, ok, err := a.Get(ctx, "users:alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), value)
}

func TestActor_CounterSurvivesRestart(t *testing.T) {
	backend := newTestBackend(t)

	ctx, cancel := context.WithCancel(context.Background())
	a1, err := New(ctx, backend, Options{
		Clock:     testclock.NewClock(epoch),
		Scheduler: testutil.NewScheduler(),
	})
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		a1.Run(ctx)
		close(done)
	}()

	_, err = a1.Set(context.Background(), "a", []byte("1"), SetOptions{})
	require.NoError(t, err)
	_, err = a1.Set(context.Background(), "b", []byte("2"), SetOptions{})
	require.NoError(t, err)
	cancel()
	<-done

	a2 := startTestActor(t, backend, Options{})
	rec, err := a2.Set(context.Background(), "c", []byte("3"), SetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Version, "sequence never regresses across restarts")

	events, err := a2.ChangesSince(context.Background(), Cursor{}, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3, "the change log survives restarts")
}

func TestActor_TransactionSerialized(t *testing.T) {
	a := startTestActor(t, newTestBackend(t), Options{})
	ctx := context.Background()

	unsub, err := a.OnMutation(ctx, func(ChangeEvent) error { return nil })
	require.NoError(t, err)
	defer unsub()

	outsideStarted := make(chan struct{})
	outsideDone := make(chan error, 1)

	err = a.Transaction(ctx, func(ctx context.Context, tx *Txn) error {
		if _, err := tx.Set(ctx, "txn:1", []byte("a"), SetOptions{}); err != nil {
			return err
		}
		// Submit a competing write mid-transaction; it must queue behind
		// the whole transaction body.
		go func() {
			close(outsideStarted)
			_, err := a.Set(context.Background(), "outside:1", []byte("x"), SetOptions{})
			outsideDone <- err
		}()
		<-outsideStarted
		time.Sleep(10 * time.Millisecond) // give the competitor time to enqueue

		_, err := tx.Set(ctx, "txn:2", []byte("b"), SetOptions{})
		return err
	})
	require.NoError(t, err)
	require.NoError(t, <-outsideDone)

	events, err := a.ChangesSince(ctx, Cursor{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "txn:1", events[0].DocumentID)
	assert.Equal(t, "txn:2", events[1].DocumentID, "no operation interleaves with the transaction body")
	assert.Equal(t, "outside:1", events[2].DocumentID)
}

func TestActor_TransactionNoRollback(t *testing.T) {
	a := startTestActor(t, newTestBackend(t), Options{})
	ctx := context.Background()

	err := a.Transaction(ctx, func(ctx context.Context, tx *Txn) error {
		if _, err := tx.Set(ctx, "partial:1", []byte("kept"), SetOptions{}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	// Serialization, not rollback: the write before the failure stays.
	_, ok, err := a.Get(ctx, "partial:1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestActor_HibernationThroughLoop(t *testing.T) {
	clk := testclock.NewClock(epoch)
	sched := testutil.NewScheduler()
	obs := &testutil.Observer{}
	a := startTestActor(t, newTestBackend(t), Options{
		Clock:     clk,
		Scheduler: sched,
		Hibernation: HibernationConfig{
			IdleTimeout:    10 * time.Second,
			MaxHibernation: time.Hour,
			Observer:       obs,
		},
	})
	ctx := context.Background()

	require.NoError(t, a.Touch(ctx))

	clk.Advance(10*time.Second + time.Millisecond)
	require.Equal(t, 1, sched.FireDue(clk.Now()))

	hibernating, err := a.IsHibernating(ctx)
	require.NoError(t, err)
	assert.True(t, hibernating)
	assert.Equal(t, 1, obs.Hibernates())

	require.NoError(t, a.Touch(ctx))
	hibernating, err = a.IsHibernating(ctx)
	require.NoError(t, err)
	assert.False(t, hibernating)
	assert.Equal(t, 1, obs.Wakes())
}

func TestActor_ClosedAfterRunReturns(t *testing.T) {
	backend := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, backend, Options{
		Clock:     testclock.NewClock(epoch),
		Scheduler: testutil.NewScheduler(),
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	require.NoError(t, a.Touch(context.Background()))

	cancel()
	<-done

	_, _, err = a.Get(context.Background(), "k")
	assert.True(t, IsClosed(err))
}
