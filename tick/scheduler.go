// Package tick runs repeating work from the owner's update loop instead of from
// goroutines, so every task observes the same single-threaded world.
package tick

import "time"

// MinPeriod is the shortest period a repeating task may have.
const MinPeriod = 10 * time.Millisecond

// Task is a scheduled unit of work.
type Task struct {
	period  time.Duration
	next    time.Time
	repeat  bool
	fn      func(now time.Time) bool
	stopped bool
}

// Stop prevents any further run. A task may stop itself from inside fn.
func (t *Task) Stop() {
	t.stopped = true
}

func (t *Task) Stopped() bool {
	return t.stopped
}

func (t *Task) Period() time.Duration {
	return t.period
}

// Scheduler holds the tasks of one owner. It is not safe for concurrent use.
type Scheduler struct {
	tasks   []*Task
	pending []*Task
	running bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Every runs fn on the next Advance and then every period until fn returns
// false or the task is stopped. Periods below MinPeriod are raised to it.
func (s *Scheduler) Every(period time.Duration, fn func(now time.Time) bool) *Task {
	if period < MinPeriod {
		period = MinPeriod
	}
	t := &Task{period: period, repeat: true, fn: fn}
	s.add(t)
	return t
}

// After runs fn once, at the first Advance at least d after it was scheduled
// relative to now.
func (s *Scheduler) After(now time.Time, d time.Duration, fn func(now time.Time)) *Task {
	t := &Task{period: d, next: now.Add(d), fn: func(n time.Time) bool {
		fn(n)
		return false
	}}
	s.add(t)
	return t
}

func (s *Scheduler) add(t *Task) {
	if s.running {
		s.pending = append(s.pending, t)
		return
	}
	s.tasks = append(s.tasks, t)
}

// Advance runs every due task. Tasks scheduled while advancing first run on the
// following Advance.
func (s *Scheduler) Advance(now time.Time) {
	s.running = true
	kept := s.tasks[:0]
	for _, t := range s.tasks {
		if t.stopped {
			continue
		}
		if !t.next.IsZero() && now.Before(t.next) {
			kept = append(kept, t)
			continue
		}
		if !t.fn(now) || !t.repeat {
			t.stopped = true
		}
		if t.stopped {
			continue
		}
		if t.next.IsZero() || now.Sub(t.next) >= t.period {
			t.next = now.Add(t.period)
		} else {
			t.next = t.next.Add(t.period)
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(s.tasks); i++ {
		s.tasks[i] = nil
	}
	s.tasks = append(kept, s.pending...)
	s.pending = nil
	s.running = false
}

// Len is the number of live tasks.
func (s *Scheduler) Len() int {
	n := 0
	for _, t := range s.tasks {
		if !t.stopped {
			n++
		}
	}
	return n + len(s.pending)
}

// StopAll stops every task.
func (s *Scheduler) StopAll() {
	for _, t := range s.tasks {
		t.stopped = true
	}
	for _, t := range s.pending {
		t.stopped = true
	}
	s.tasks = nil
	s.pending = nil
}
