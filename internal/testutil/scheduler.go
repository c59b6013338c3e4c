// Package testutil provides deterministic test doubles for the alarm
// scheduler and lifecycle hooks.
package testutil

import (
	"sync"
	"time"
)

// Alarm is one recorded registration.
type Alarm struct {
	At   time.Time
	fire func()
}

// Scheduler implements alarm.Scheduler by recording registrations; tests
// fire them explicitly, which keeps hibernation scenarios deterministic
// without real timers.
type Scheduler struct {
	mu   sync.Mutex
	slot *Alarm
	once []*Alarm
}

// NewScheduler creates an empty recording scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// SetAlarm records into the replaceable slot.
func (s *Scheduler) SetAlarm(t time.Time, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slot = &Alarm{At: t, fire: fire}
}

// ScheduleOnce records a one-shot registration.
func (s *Scheduler) ScheduleOnce(t time.Time, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.once = append(s.once, &Alarm{At: t, fire: fire})
}

// SlotTime returns the pending SetAlarm time, false when none is set.
func (s *Scheduler) SlotTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot == nil {
		return time.Time{}, false
	}
	return s.slot.At, true
}

// OnceTimes returns the registered one-shot times in registration order.
func (s *Scheduler) OnceTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	times := make([]time.Time, len(s.once))
	for i, a := range s.once {
		times[i] = a.At
	}
	return times
}

// FireSlot runs and clears the pending SetAlarm callback. Returns false
// when no alarm was pending.
func (s *Scheduler) FireSlot() bool {
	s.mu.Lock()
	a := s.slot
	s.slot = nil
	s.mu.Unlock()
	if a == nil {
		return false
	}
	a.fire()
	return true
}

// FireDue runs every registration (slot and one-shots) whose time is at
// or before now, and returns how many fired. "Not before" semantics: a
// registration in the future stays pending.
func (s *Scheduler) FireDue(now time.Time) int {
	s.mu.Lock()
	var due []*Alarm
	if s.slot != nil && !s.slot.At.After(now) {
		due = append(due, s.slot)
		s.slot = nil
	}
	var remaining []*Alarm
	for _, a := range s.once {
		if a.At.After(now) {
			remaining = append(remaining, a)
			continue
		}
		due = append(due, a)
	}
	s.once = remaining
	s.mu.Unlock()

	for _, a := range due {
		a.fire()
	}
	return len(due)
}
