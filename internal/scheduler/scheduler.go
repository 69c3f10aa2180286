// Package scheduler runs recurring tasks behind cancellable handles.
//
// A Task replaces hand-kept timer handles: Stop is idempotent, safe to call
// from inside the task's own function, and never blocks waiting for an
// in-flight run to finish. Callers that care about a run racing with Stop must
// discard its effect themselves.
package scheduler

import (
	"context"
	"sync"
	"time"
)

// Clock creates recurring tasks.
type Clock interface {
	// Every calls fn every interval until the returned Task is stopped.
	// With immediate set, fn is also called once right away. Every panics
	// on a non-positive interval, like time.NewTicker.
	Every(interval time.Duration, immediate bool, fn func()) Task
	Now() time.Time
}

// Task is a handle to a running recurring task.
type Task interface {
	Stop()
	Stopped() bool
}

// Stop stops t if it is non-nil.
func Stop(t Task) {
	if t != nil {
		t.Stop()
	}
}

// Running reports whether t is non-nil and not stopped.
func Running(t Task) bool {
	return t != nil && !t.Stopped()
}

type realClock struct{}

// Real returns a Clock backed by time.Ticker goroutines.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Every(interval time.Duration, immediate bool, fn func()) Task {
	if interval <= 0 {
		panic("scheduler: non-positive interval")
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &tickerTask{ctx: ctx, cancel: cancel}

	go func() {
		if immediate {
			fn()
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// Stop may have raced with the tick.
				if ctx.Err() != nil {
					return
				}
				fn()
			}
		}
	}()

	return t
}

type tickerTask struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (t *tickerTask) Stop() {
	t.once.Do(t.cancel)
}

func (t *tickerTask) Stopped() bool {
	return t.ctx.Err() != nil
}
