package object

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/substratehq/objectd/internal/storage"
)

var epoch = time.Unix(0, 0).UTC()

// newTestBackend creates a file-backed storage store in a temp dir.
func newTestBackend(t *testing.T) *storage.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "actor.db")
	backend, err := storage.Open(path)
	if err != nil {
		t.Fatalf("storage.Open() failed: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend
}

// newTestStore creates a store, its change log and a controllable clock,
// all starting from sequence 0 at the epoch.
func newTestStore(t *testing.T) (*Store, *ChangeLog, *testclock.Clock) {
	t.Helper()
	backend := newTestBackend(t)
	clk := testclock.NewClock(epoch)
	seq := newLogicalClockAt(0)
	changes := NewChangeLog(backend, 0)
	return NewStore(backend, clk, seq, changes), changes, clk
}

// collect registers a handler that appends every event to the returned
// slice pointer.
func collect(changes *ChangeLog) *[]ChangeEvent {
	var events []ChangeEvent
	changes.OnMutation(func(ev ChangeEvent) error {
		events = append(events, ev)
		return nil
	})
	return &events
}
