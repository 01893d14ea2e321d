// Package progress implements the optional, opaque progress reporter spec §6
// names: begin(task, total), update(n), end(). Grounded on the teacher's
// internal/trace package, whose PendingEvent carries a start time and emits
// a Chrome-trace JSON record on Done(); here that is trimmed down to the
// three-method shape the core calls and stripped of the Chrome-trace wire
// format, since nothing in this spec's scope consumes trace.json files.
package progress

import "time"

// Reporter is the interface the core calls into. Callers that don't care
// about progress pass Nop{}.
type Reporter interface {
	// Begin announces a task of total known units of work (0 if unknown).
	Begin(task string, total int64)
	// Update reports n additional units completed since the last Update or
	// Begin call.
	Update(n int64)
	// End closes out the most recently begun task.
	End()
}

// Nop discards every call; the zero value is ready to use.
type Nop struct{}

func (Nop) Begin(string, int64) {}
func (Nop) Update(int64)        {}
func (Nop) End()                {}

// Sink collects begin/update/end calls into a slice of completed Tasks,
// following the teacher's PendingEvent/Done() split: a task is opened with
// a start time and duration is computed once End() closes it.
type Sink struct {
	Tasks []Task

	current *Task
}

// Task is one begin..end span recorded by a Sink.
type Task struct {
	Name     string
	Total    int64
	Done     int64
	Duration time.Duration

	start time.Time
}

// Begin opens a new task, implicitly closing any still-open one (the core
// never nests progress spans).
func (s *Sink) Begin(task string, total int64) {
	if s.current != nil {
		s.End()
	}
	s.current = &Task{Name: task, Total: total, start: time.Now()}
}

// Update adds n units to the currently open task.
func (s *Sink) Update(n int64) {
	if s.current == nil {
		return
	}
	s.current.Done += n
}

// End closes the currently open task and appends it to Tasks.
func (s *Sink) End() {
	if s.current == nil {
		return
	}
	s.current.Duration = time.Since(s.current.start)
	s.Tasks = append(s.Tasks, *s.current)
	s.current = nil
}
