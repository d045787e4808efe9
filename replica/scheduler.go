// Package replica implements the replica manager of a storage master: it
// durably replicates in-memory log segments to remote backups, recovers
// from backup failures mid-write, and enforces the log's segment ordering.
package replica

// Task is a unit of cooperative work driven by a Scheduler. Perform runs
// with the manager mutex held; it may schedule itself or other tasks but
// must never block.
type Task interface {
	Perform()
}

// Scheduler is a single-threaded cooperative work queue. It is not safe
// for concurrent use; the owning manager serializes access.
type Scheduler struct {
	queue  []Task
	queued map[Task]bool
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{queued: make(map[Task]bool)}
}

// Schedule enqueues t unless it is already pending. Idempotent.
func (s *Scheduler) Schedule(t Task) {
	if s.queued[t] {
		return
	}
	s.queued[t] = true
	s.queue = append(s.queue, t)
}

// Proceed performs every task that was pending when it was called, in FIFO
// order. Tasks scheduled during this pass run on a later Proceed, which
// keeps the rotation fair when tasks continually reschedule themselves.
func (s *Scheduler) Proceed() {
	n := len(s.queue)
	for i := 0; i < n && len(s.queue) > 0; i++ {
		t := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queued, t)
		t.Perform()
	}
}

// ProceedAll repeatedly calls Proceed until the queue drains. Only safe
// when tasks stop rescheduling once quiescent.
func (s *Scheduler) ProceedAll() {
	for !s.IsIdle() {
		s.Proceed()
	}
}

// IsIdle reports whether any tasks are pending.
func (s *Scheduler) IsIdle() bool {
	return len(s.queue) == 0
}

// Unschedule drops a task that will never run again, such as a segment
// that has been destroyed.
func (s *Scheduler) Unschedule(t Task) {
	if !s.queued[t] {
		return
	}
	delete(s.queued, t)
	for i, q := range s.queue {
		if q == t {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
}
