package object

import (
	"context"
	"time"

	"github.com/juju/clock"

	"github.com/substratehq/objectd/internal/alarm"
)

// LifecycleObserver receives hibernation transitions. Hooks run before
// the transition commits: an error leaves the state machine at its last
// successfully completed step and propagates to the caller of the
// triggering operation as a hook error.
type LifecycleObserver interface {
	OnHibernate(ctx context.Context) error
	OnWake(ctx context.Context) error
}

// NopObserver is a LifecycleObserver with no-op hooks.
type NopObserver struct{}

func (NopObserver) OnHibernate(context.Context) error { return nil }
func (NopObserver) OnWake(context.Context) error      { return nil }

// ConnectionSuspender flips live connections across hibernation.
// Implemented by the connection registry.
type ConnectionSuspender interface {
	// SuspendAll marks every open connection hibernating, preserving id,
	// topics and attached data.
	SuspendAll(ctx context.Context) error
	// ResumeAll marks every hibernating connection open again.
	ResumeAll(ctx context.Context) error
}

// HibernationConfig tunes the controller.
type HibernationConfig struct {
	// IdleTimeout is how long without activity before the actor
	// hibernates.
	IdleTimeout time.Duration

	// MaxHibernation bounds one hibernation: a safety-net wake alarm
	// fires this long after hibernating and cannot be canceled.
	MaxHibernation time.Duration

	// PreserveConnections keeps connection metadata across hibernation
	// instead of leaving connections untouched.
	PreserveConnections bool

	// Observer receives transition hooks. Nil means NopObserver.
	Observer LifecycleObserver
}

// Hibernator is the actor's active/hibernating state machine.
//
// Transitions run hooks first, then flip connections, then commit the
// state; a failure anywhere leaves the machine at the last completed
// step. Both transitions are idempotent no-ops when already in the
// target state.
//
// Not safe for concurrent use; only called from the actor's run loop.
// Alarm callbacks re-enter the loop through enqueue.
type Hibernator struct {
	cfg     HibernationConfig
	clk     clock.Clock
	sched   alarm.Scheduler
	conns   ConnectionSuspender // may be nil
	enqueue func(func())

	hibernating  bool
	lastActivity time.Time
	hibernatedAt time.Time

	// cycle counts hibernations. Safety-net alarms are stamped with the
	// cycle that armed them, so a stale net from an earlier hibernation
	// cannot wake a later one.
	cycle int64
}

// NewHibernator creates a controller in the Active state. enqueue must
// run its argument on the actor's run loop; the scheduler's callbacks
// arrive on timer goroutines and re-enter through it.
func NewHibernator(cfg HibernationConfig, clk clock.Clock, sched alarm.Scheduler, conns ConnectionSuspender, enqueue func(func())) *Hibernator {
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	h := &Hibernator{
		cfg:          cfg,
		clk:          clk,
		sched:        sched,
		conns:        conns,
		enqueue:      enqueue,
		lastActivity: clk.Now(),
	}
	h.scheduleIdleCheck()
	return h
}

// Touch records activity. A hibernating actor wakes first (OnWake, then
// connection resume); the idle-check alarm is rescheduled either way at
// lastActivity+IdleTimeout, which is also what cancels a pending
// hibernation.
func (h *Hibernator) Touch(ctx context.Context) error {
	if h.hibernating {
		if err := h.wake(ctx); err != nil {
			return err
		}
	}
	h.lastActivity = h.clk.Now()
	h.scheduleIdleCheck()
	return nil
}

// IsIdle reports whether the idle timeout has elapsed since the last
// activity.
func (h *Hibernator) IsIdle() bool {
	return h.clk.Now().Sub(h.lastActivity) > h.cfg.IdleTimeout
}

// IsHibernating reports the current state.
func (h *Hibernator) IsHibernating() bool {
	return h.hibernating
}

// LastActivity returns when the actor last saw work.
func (h *Hibernator) LastActivity() time.Time {
	return h.lastActivity
}

// CheckIdle hibernates an active, idle actor. Fired by the external alarm
// but callable directly.
func (h *Hibernator) CheckIdle(ctx context.Context) error {
	if h.hibernating {
		return nil
	}
	if !h.IsIdle() {
		// The alarm honors only "not before" and can fire exactly on the
		// boundary, where idleness is still strictly false. Rearm past it
		// so hibernation does not wait for the next Touch.
		h.rearmIdleCheck()
		return nil
	}
	return h.hibernate(ctx)
}

// ForceHibernate transitions to Hibernating regardless of idleness.
// No-op when already hibernating.
func (h *Hibernator) ForceHibernate(ctx context.Context) error {
	return h.hibernate(ctx)
}

// ForceWake transitions to Active regardless of timing and counts as
// activity. No-op when already active.
func (h *Hibernator) ForceWake(ctx context.Context) error {
	if err := h.wake(ctx); err != nil {
		return err
	}
	h.lastActivity = h.clk.Now()
	h.scheduleIdleCheck()
	return nil
}

// hibernate runs the Active -> Hibernating transition: OnHibernate hook,
// connection suspension, state commit, safety-net wake alarm.
func (h *Hibernator) hibernate(ctx context.Context) error {
	if h.hibernating {
		return nil
	}
	if err := h.cfg.Observer.OnHibernate(ctx); err != nil {
		return NewHookError("onHibernate", err)
	}
	if h.cfg.PreserveConnections && h.conns != nil {
		if err := h.conns.SuspendAll(ctx); err != nil {
			return err
		}
	}
	h.hibernating = true
	h.hibernatedAt = h.clk.Now()
	h.cycle++
	cycle := h.cycle
	logger.Infof("actor hibernating after %v idle", h.clk.Now().Sub(h.lastActivity))

	// The safety net is one-shot and cannot be canceled; it no-ops unless
	// the hibernation that armed it is still the one in progress when it
	// fires.
	h.sched.ScheduleOnce(h.hibernatedAt.Add(h.cfg.MaxHibernation), func() {
		h.enqueue(func() {
			if !h.hibernating || h.cycle != cycle {
				return
			}
			if err := h.ForceWake(context.Background()); err != nil {
				logger.Errorf("safety-net wake failed: %v", err)
			}
		})
	})
	return nil
}

// wake runs the Hibernating -> Active transition: OnWake hook, connection
// resume, state commit.
func (h *Hibernator) wake(ctx context.Context) error {
	if !h.hibernating {
		return nil
	}
	if err := h.cfg.Observer.OnWake(ctx); err != nil {
		return NewHookError("onWake", err)
	}
	if h.cfg.PreserveConnections && h.conns != nil {
		if err := h.conns.ResumeAll(ctx); err != nil {
			return err
		}
	}
	h.hibernating = false
	logger.Infof("actor woke after %v hibernating", h.clk.Now().Sub(h.hibernatedAt))
	h.hibernatedAt = time.Time{}
	return nil
}

func (h *Hibernator) scheduleIdleCheck() {
	h.scheduleIdleCheckAt(h.lastActivity.Add(h.cfg.IdleTimeout))
}

// rearmIdleCheck reschedules after an alarm fired while the actor was not
// yet strictly idle, always strictly in the future.
func (h *Hibernator) rearmIdleCheck() {
	next := h.lastActivity.Add(h.cfg.IdleTimeout)
	if now := h.clk.Now(); !next.After(now) {
		next = now.Add(time.Millisecond)
	}
	h.scheduleIdleCheckAt(next)
}

func (h *Hibernator) scheduleIdleCheckAt(at time.Time) {
	h.sched.SetAlarm(at, func() {
		h.enqueue(func() {
			if err := h.CheckIdle(context.Background()); err != nil {
				logger.Warningf("idle check failed: %v", err)
			}
		})
	})
}
