package replica

import "testing"

type recordingTask struct {
	name      string
	log       *[]string
	reenqueue int
	scheduler *Scheduler
}

func (t *recordingTask) Perform() {
	*t.log = append(*t.log, t.name)
	if t.reenqueue > 0 {
		t.reenqueue--
		t.scheduler.Schedule(t)
	}
}

func TestScheduler_ScheduleIsIdempotent(t *testing.T) {
	s := NewScheduler()
	var log []string
	task := &recordingTask{name: "a", log: &log, scheduler: s}

	s.Schedule(task)
	s.Schedule(task)
	s.Schedule(task)
	s.Proceed()

	if len(log) != 1 {
		t.Fatalf("Task performed %d times, want 1", len(log))
	}
	if !s.IsIdle() {
		t.Errorf("Scheduler not idle after draining")
	}
}

func TestScheduler_FIFOOrder(t *testing.T) {
	s := NewScheduler()
	var log []string
	for _, name := range []string{"a", "b", "c"} {
		s.Schedule(&recordingTask{name: name, log: &log, scheduler: s})
	}
	s.Proceed()

	want := "abc"
	got := ""
	for _, name := range log {
		got += name
	}
	if got != want {
		t.Errorf("Execution order %q, want %q", got, want)
	}
}

func TestScheduler_RescheduledTaskRunsNextRound(t *testing.T) {
	// A task that reschedules itself must not run twice in one Proceed;
	// that round-robin is what keeps one hot segment from starving others.
	s := NewScheduler()
	var log []string
	a := &recordingTask{name: "a", log: &log, reenqueue: 1, scheduler: s}
	b := &recordingTask{name: "b", log: &log, scheduler: s}
	s.Schedule(a)
	s.Schedule(b)

	s.Proceed()
	if got := len(log); got != 2 {
		t.Fatalf("First round performed %d tasks, want 2", got)
	}
	if s.IsIdle() {
		t.Fatalf("Rescheduled task vanished")
	}

	s.Proceed()
	want := []string{"a", "b", "a"}
	for i, name := range want {
		if log[i] != name {
			t.Fatalf("Execution log %v, want %v", log, want)
		}
	}
}

func TestScheduler_ProceedAllDrains(t *testing.T) {
	s := NewScheduler()
	var log []string
	s.Schedule(&recordingTask{name: "a", log: &log, reenqueue: 5, scheduler: s})
	s.ProceedAll()

	if len(log) != 6 {
		t.Errorf("Task performed %d times, want 6", len(log))
	}
	if !s.IsIdle() {
		t.Errorf("Scheduler not idle after ProceedAll")
	}
}

func TestScheduler_Unschedule(t *testing.T) {
	s := NewScheduler()
	var log []string
	a := &recordingTask{name: "a", log: &log, scheduler: s}
	b := &recordingTask{name: "b", log: &log, scheduler: s}
	s.Schedule(a)
	s.Schedule(b)
	s.Unschedule(a)
	s.Proceed()

	if len(log) != 1 || log[0] != "b" {
		t.Errorf("Execution log %v, want [b]", log)
	}
}
