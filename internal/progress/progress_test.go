package progress

import "testing"

func TestSinkRecordsCompletedTasks(t *testing.T) {
	t.Parallel()
	var s Sink
	s.Begin("compact", 10)
	s.Update(4)
	s.Update(6)
	s.End()

	if len(s.Tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(s.Tasks))
	}
	task := s.Tasks[0]
	if task.Name != "compact" || task.Total != 10 || task.Done != 10 {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestSinkBeginClosesPriorTask(t *testing.T) {
	t.Parallel()
	var s Sink
	s.Begin("first", 1)
	s.Update(1)
	s.Begin("second", 2)
	s.Update(2)
	s.End()

	if len(s.Tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(s.Tasks))
	}
	if s.Tasks[0].Name != "first" || s.Tasks[1].Name != "second" {
		t.Fatalf("unexpected task order: %+v", s.Tasks)
	}
}

func TestNopDiscardsCalls(t *testing.T) {
	t.Parallel()
	var n Nop
	n.Begin("x", 1)
	n.Update(1)
	n.End()
}
