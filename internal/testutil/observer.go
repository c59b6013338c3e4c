package testutil

import (
	"context"
	"sync"
)

// Observer is a lifecycle-hook spy. It counts transitions and can inject
// hook failures. Satisfies object.LifecycleObserver.
type Observer struct {
	mu sync.Mutex

	// HibernateErr and WakeErr, when set, are returned by the hooks.
	HibernateErr error
	WakeErr      error

	hibernates int
	wakes      int
}

func (o *Observer) OnHibernate(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.HibernateErr != nil {
		return o.HibernateErr
	}
	o.hibernates++
	return nil
}

func (o *Observer) OnWake(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.WakeErr != nil {
		return o.WakeErr
	}
	o.wakes++
	return nil
}

// Hibernates returns how many OnHibernate hooks completed.
func (o *Observer) Hibernates() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hibernates
}

// Wakes returns how many OnWake hooks completed.
func (o *Observer) Wakes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.wakes
}
