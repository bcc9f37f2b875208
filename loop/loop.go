package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// ErrStopped is returned when work is submitted to a stopped loop.
var ErrStopped = errors.New("event loop stopped")

// Loop executes posted closures one at a time on its own goroutine.
type Loop struct {
	clock clock.Clock

	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a loop using clk for timers. A nil clock selects the wall clock.
func New(clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	return &Loop{
		clock: clk,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Start launches the loop goroutine.
func (l *Loop) Start() {
	l.wg.Add(1)
	go l.run()

	logrus.WithFields(logrus.Fields{
		"function": "Loop.Start",
	}).Debug("Event loop started")
}

// Stop terminates the loop. Queued closures that have not started are
// discarded. Stop waits for the running closure to return and must not be
// called from the loop goroutine.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	dropped := len(l.queue)
	l.queue = nil
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Loop.Stop",
		"dropped":  dropped,
	}).Debug("Event loop stopped")
}

// Post queues f for execution on the loop. It never blocks and returns
// false once the loop is stopped.
func (l *Loop) Post(f func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, f)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs f on the loop and waits for it to return.
func (l *Loop) Call(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		f()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Now returns the current time of the loop clock.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Clock returns the loop clock.
func (l *Loop) Clock() clock.Clock {
	return l.clock
}

// AfterFunc runs f on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, f func()) Timer {
	t := &loopTimer{}
	t.inner = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if t.fired.CompareAndSwap(false, true) {
				f()
			}
		})
	})
	return t
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if l.stopped || len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			f := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			f()
		}
	}
}

type loopTimer struct {
	inner *clock.Timer
	fired atomic.Bool
}

// Stop marks the timer as done so that an already queued callback is
// discarded.
func (t *loopTimer) Stop() bool {
	t.inner.Stop()
	return t.fired.CompareAndSwap(false, true)
}
