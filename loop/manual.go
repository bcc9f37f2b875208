package loop

import (
	"sort"
	"time"

	"github.com/benbjohnson/clock"
)

// Manual is a Scheduler whose time only moves when Advance is called.
// Callbacks run synchronously on the caller's goroutine, in due order.
type Manual struct {
	clock  *clock.Mock
	timers []*manualTimer
	seq    uint64
}

// NewManual returns a scheduler starting at start.
func NewManual(start time.Time) *Manual {
	mock := clock.NewMock()
	mock.Set(start)
	return &Manual{clock: mock}
}

// Clock exposes the mock clock backing the scheduler.
func (m *Manual) Clock() *clock.Mock {
	return m.clock
}

func (m *Manual) Now() time.Time {
	return m.clock.Now()
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.seq++
	t := &manualTimer{due: m.clock.Now().Add(d), seq: m.seq, f: f}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves time forward by d, running every callback that becomes due.
// Callbacks scheduled by callbacks run too if they fall within d.
func (m *Manual) Advance(d time.Duration) {
	end := m.clock.Now().Add(d)
	for {
		t := m.next(end)
		if t == nil {
			break
		}
		if t.due.After(m.clock.Now()) {
			m.clock.Set(t.due)
		}
		t.f()
	}
	m.clock.Set(end)
}

// Pending returns the number of scheduled, unstopped callbacks.
func (m *Manual) Pending() int {
	n := 0
	for _, t := range m.timers {
		if !t.done {
			n++
		}
	}
	return n
}

func (m *Manual) next(end time.Time) *manualTimer {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	m.timers = live

	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].due.Equal(m.timers[j].due) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].due.Before(m.timers[j].due)
	})
	if len(m.timers) == 0 || m.timers[0].due.After(end) {
		return nil
	}
	t := m.timers[0]
	t.done = true
	return t
}

type manualTimer struct {
	due  time.Time
	seq  uint64
	f    func()
	done bool
}

func (t *manualTimer) Stop() bool {
	if t.done {
		return false
	}
	t.done = true
	return true
}
