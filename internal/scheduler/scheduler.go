// Package scheduler is the process-wide alarm registry behind agent think
// loops. Each agent holds at most one pending alarm; a single dispatch
// goroutine sleeps until the earliest deadline and fires callbacks in order.
// Firing is one-shot: loops re-arm themselves after each tick.
package scheduler

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"
)

// FireFunc runs when an alarm fires. It must return quickly; typically it
// enqueues work into an actor mailbox.
type FireFunc func(agent string, at time.Time)

type alarm struct {
	agent string
	at    time.Time
	fire  FireFunc
	index int // heap index, -1 when removed
}

type alarmHeap []*alarm

func (h alarmHeap) Len() int            { return len(h) }
func (h alarmHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h alarmHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *alarmHeap) Push(x interface{}) { a := x.(*alarm); a.index = len(*h); *h = append(*h, a) }
func (h *alarmHeap) Pop() interface{} {
	old := *h
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	a.index = -1
	*h = old[:n-1]
	return a
}

// Scheduler owns the alarm heap and its dispatch goroutine.
type Scheduler struct {
	mu      sync.Mutex
	heap    alarmHeap
	byAgent map[string]*alarm
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	now     func() time.Time
}

// New returns a started scheduler.
func New() *Scheduler {
	s := &Scheduler{
		byAgent: make(map[string]*alarm),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go s.dispatch()
	return s
}

// Arm sets (or replaces) the agent's alarm. One alarm per agent; re-arming
// moves the deadline.
func (s *Scheduler) Arm(agent string, at time.Time, fire FireFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if existing, ok := s.byAgent[agent]; ok {
		existing.at = at
		existing.fire = fire
		heap.Fix(&s.heap, existing.index)
	} else {
		a := &alarm{agent: agent, at: at, fire: fire}
		heap.Push(&s.heap, a)
		s.byAgent[agent] = a
	}
	s.kick()
}

// Disarm cancels the agent's pending alarm, if any.
func (s *Scheduler) Disarm(agent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byAgent[agent]
	if !ok {
		return
	}
	delete(s.byAgent, agent)
	if a.index >= 0 {
		heap.Remove(&s.heap, a.index)
	}
	s.kick()
}

// NextFire reports the agent's pending deadline, if armed.
func (s *Scheduler) NextFire(agent string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byAgent[agent]
	if !ok {
		return time.Time{}, false
	}
	return a.at, true
}

// Armed reports how many alarms are pending.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byAgent)
}

// Close stops the dispatch goroutine. Pending alarms never fire.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.done)
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatch() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		fired := s.popDue()
		for _, a := range fired {
			func() {
				defer func() {
					if r := recover(); r != nil {
						slog.Error("alarm callback panicked", "agent", a.agent, "panic", r)
					}
				}()
				a.fire(a.agent, a.at)
			}()
		}

		wait := s.untilNext()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

// popDue removes and returns all alarms whose deadline has passed, earliest
// first.
func (s *Scheduler) popDue() []*alarm {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var due []*alarm
	for len(s.heap) > 0 && !s.heap[0].at.After(now) {
		a := heap.Pop(&s.heap).(*alarm)
		delete(s.byAgent, a.agent)
		due = append(due, a)
	}
	return due
}

func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return time.Hour
	}
	wait := time.Until(s.heap[0].at)
	if wait < 0 {
		return 0
	}
	return wait
}
