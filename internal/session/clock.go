package session

import (
	"sync"
	"time"
)

type Clock func() time.Time

// Task is a scheduled unit of work. Stop is idempotent; a stopped task's
// callback never fires again.
type Task interface {
	Stop()
}

// Scheduler owns every timer the session uses: the autosave ticker and the
// status-reset delay. Keeping timers behind an interface lets tests drive them
// with a virtual clock instead of sleeping.
type Scheduler interface {
	// Every runs fn on a fixed interval until the task is stopped.
	Every(d time.Duration, fn func()) Task
	// After runs fn once after d unless the task is stopped first.
	After(d time.Duration, fn func()) Task
}

type wallScheduler struct{}

// NewScheduler returns the wall-clock scheduler used outside tests.
func NewScheduler() Scheduler { return wallScheduler{} }

type wallTask struct {
	once sync.Once
	done chan struct{}
}

func (t *wallTask) Stop() {
	t.once.Do(func() { close(t.done) })
}

func (wallScheduler) Every(d time.Duration, fn func()) Task {
	t := &wallTask{done: make(chan struct{})}
	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-t.done:
				return
			}
		}
	}()
	return t
}

func (wallScheduler) After(d time.Duration, fn func()) Task {
	t := &wallTask{done: make(chan struct{})}
	timer := time.NewTimer(d)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			fn()
		case <-t.done:
		}
	}()
	return t
}
