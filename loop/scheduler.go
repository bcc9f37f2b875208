package loop

import (
	"sync"
	"time"
)

// Timer is a pending callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the
	// timer already fired or was stopped.
	Stop() bool
}

// Scheduler is the time source shared by agents and handshake sessions.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Every runs f after initial and then repeatedly with a fixed delay of
// interval between the end of one run and the start of the next.
func Every(s Scheduler, initial, interval time.Duration, f func()) Timer {
	p := &periodic{}
	var tick func()
	tick = func() {
		if p.isStopped() {
			return
		}
		f()

		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.stopped {
			p.current = s.AfterFunc(interval, tick)
		}
	}

	p.mu.Lock()
	p.current = s.AfterFunc(initial, tick)
	p.mu.Unlock()
	return p
}

type periodic struct {
	mu      sync.Mutex
	current Timer
	stopped bool
}

func (p *periodic) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *periodic) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.stopped = true
	if p.current != nil {
		p.current.Stop()
	}
	return true
}
