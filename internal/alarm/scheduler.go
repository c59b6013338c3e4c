// Package alarm provides the external timer collaborator: fire-and-forget
// wake-up registration with "not before" semantics.
package alarm

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("objectd.alarm")

// Scheduler registers wake-up callbacks. The only guarantee is "not
// before": a callback fires at or after its requested time.
type Scheduler interface {
	// SetAlarm schedules fire at or after t, replacing any callback
	// registered by a previous SetAlarm. Setting a new alarm is the only
	// way to cancel a pending one.
	SetAlarm(t time.Time, fire func())

	// ScheduleOnce schedules fire at or after t. One-shot alarms are
	// independent of the SetAlarm slot and cannot be replaced or canceled.
	ScheduleOnce(t time.Time, fire func())
}

// Recorder persists the pending alarm time so a restarted host can rearm.
// Implemented by *storage.Store.
type Recorder interface {
	SetAlarm(ctx context.Context, at time.Time) error
	DeleteAlarm(ctx context.Context) error
}

// ClockScheduler implements Scheduler over a clock.Clock. Callbacks run on
// the clock's timer goroutine; callers that need serialization must hand
// the callback to their own run loop.
type ClockScheduler struct {
	clk      clock.Clock
	recorder Recorder // optional

	mu      sync.Mutex
	pending clock.Timer
}

// NewClockScheduler returns a scheduler driven by clk. recorder may be nil;
// when set, the pending SetAlarm time is mirrored to durable storage.
func NewClockScheduler(clk clock.Clock, recorder Recorder) *ClockScheduler {
	return &ClockScheduler{clk: clk, recorder: recorder}
}

// SetAlarm implements Scheduler.
func (s *ClockScheduler) SetAlarm(t time.Time, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil {
		s.pending.Stop()
	}
	s.record(t)
	s.pending = s.clk.AfterFunc(delayUntil(s.clk, t), func() {
		s.clearRecord()
		fire()
	})
}

// ScheduleOnce implements Scheduler.
func (s *ClockScheduler) ScheduleOnce(t time.Time, fire func()) {
	s.clk.AfterFunc(delayUntil(s.clk, t), fire)
}

func (s *ClockScheduler) record(t time.Time) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.SetAlarm(context.Background(), t); err != nil {
		logger.Warningf("failed to persist alarm: %v", err)
	}
}

func (s *ClockScheduler) clearRecord() {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.DeleteAlarm(context.Background()); err != nil {
		logger.Warningf("failed to clear persisted alarm: %v", err)
	}
}

func delayUntil(clk clock.Clock, t time.Time) time.Duration {
	d := t.Sub(clk.Now())
	if d < 0 {
		return 0
	}
	return d
}
