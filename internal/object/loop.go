package object

import (
	"context"
	"sync"
)

// job is one unit of work for the run loop. done closes after the job
// either ran or was released by shutdown; ran distinguishes the two and
// is safely published by the channel close.
type job struct {
	fn   func()
	done chan struct{}
	ran  bool
}

// runLoop serializes all actor work: jobs execute one at a time, in
// submission order. The loop is the actor's execution boundary - while a
// job is suspended in storage I/O or a user hook, every later job queues
// behind it.
//
// Submission is thread-safe (entry points and alarm callbacks arrive from
// arbitrary goroutines); execution is single-threaded.
//
// The queue is unbounded so alarm callbacks never block; a buffered
// signal channel of size 1 coalesces wake-ups for the drain goroutine.
type runLoop struct {
	mu     sync.Mutex
	jobs   []*job
	closed bool
	signal chan struct{}
}

func newRunLoop() *runLoop {
	return &runLoop{
		jobs:   make([]*job, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Run drains the queue until ctx is canceled. Jobs still queued at
// shutdown are released without running, which surfaces to their
// submitters as ErrClosed.
func (l *runLoop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return
		case <-l.signal:
		}

		for {
			j, ok := l.next()
			if !ok {
				break
			}
			j.fn()
			j.ran = true
			close(j.done)
		}
	}
}

// Do submits fn and waits until it ran. Returns ErrClosed when the loop
// shut down before fn could run, or ctx.Err() when the caller gives up
// waiting; in the latter case fn may still run later.
func (l *runLoop) Do(ctx context.Context, fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	j := &job{fn: fn, done: make(chan struct{})}
	l.jobs = append(l.jobs, j)
	l.mu.Unlock()

	// Coalesced wake-up: a full buffer means the drain goroutine is
	// already scheduled.
	select {
	case l.signal <- struct{}{}:
	default:
	}

	select {
	case <-j.done:
		if !j.ran {
			return ErrClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// next pops the front job.
func (l *runLoop) next() (*job, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.jobs) == 0 {
		return nil, false
	}
	j := l.jobs[0]
	l.jobs = l.jobs[1:]
	return j, true
}

// shutdown marks the loop closed and releases every queued job unran.
func (l *runLoop) shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for _, j := range l.jobs {
		close(j.done)
	}
	l.jobs = nil
}
