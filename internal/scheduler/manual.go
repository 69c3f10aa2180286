package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Clock that only moves when Advance is called. Task functions run
// synchronously on the goroutine calling Advance, in due-time order, with no
// internal lock held, so they may start or stop other tasks.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks []*manualTask
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Every(interval time.Duration, immediate bool, fn func()) Task {
	if interval <= 0 {
		panic("scheduler: non-positive interval")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &manualTask{
		id:       m.seq,
		interval: interval,
		next:     m.now.Add(interval),
		fn:       fn,
	}
	if immediate {
		t.next = m.now
	}
	m.tasks = append(m.tasks, t)
	return t
}

// Advance moves the clock forward by d, firing every due run along the way.
// Advance(0) fires runs that are due now, such as immediate first runs.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		t := m.nextDue(target)
		if t == nil {
			break
		}
		t.fn()
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

// Active returns the number of tasks that have not been stopped.
func (m *Manual) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	return len(m.tasks)
}

// nextDue pops the earliest run due at or before target and reschedules it.
func (m *Manual) nextDue(target time.Time) *manualTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prune()
	sort.SliceStable(m.tasks, func(i, j int) bool {
		if m.tasks[i].next.Equal(m.tasks[j].next) {
			return m.tasks[i].id < m.tasks[j].id
		}
		return m.tasks[i].next.Before(m.tasks[j].next)
	})

	for _, t := range m.tasks {
		if t.next.After(target) {
			return nil
		}
		if t.next.After(m.now) {
			m.now = t.next
		}
		t.next = t.next.Add(t.interval)
		return t
	}
	return nil
}

func (m *Manual) prune() {
	live := m.tasks[:0]
	for _, t := range m.tasks {
		if !t.Stopped() {
			live = append(live, t)
		}
	}
	m.tasks = live
}

type manualTask struct {
	id       int
	interval time.Duration
	next     time.Time
	fn       func()

	mu      sync.Mutex
	stopped bool
}

func (t *manualTask) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *manualTask) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
