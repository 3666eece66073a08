package db

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateTask(&Task{ID: "t1", Request: []byte(`{"flags":{}}`)}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	got, err := s.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got == nil {
		t.Fatalf("task not found")
	}
	if got.Status != StatusPending {
		t.Fatalf("got status %q, want %q", got.Status, StatusPending)
	}
	if string(got.Request) != `{"flags":{}}` {
		t.Fatalf("unexpected request: %s", got.Request)
	}

	missing, err := s.GetTask("nope")
	if err != nil {
		t.Fatalf("GetTask missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for a missing task")
	}
}

func TestCreateTaskDuplicate(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateTask(&Task{ID: "t1", Request: []byte(`{}`)}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.CreateTask(&Task{ID: "t1", Request: []byte(`{}`)}); err != ErrTaskDuplicate {
		t.Fatalf("got %v, want ErrTaskDuplicate", err)
	}
}

func TestClaimNextOrderAndExhaustion(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"a", "b"} {
		if err := s.CreateTask(&Task{ID: id, Request: []byte(`{}`)}); err != nil {
			t.Fatalf("CreateTask(%s): %v", id, err)
		}
	}

	first, err := s.ClaimNext()
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if first == nil || first.ID != "a" {
		t.Fatalf("got %+v, want task a", first)
	}
	if first.Status != StatusActive || first.Attempts != 1 {
		t.Fatalf("unexpected claimed state: %+v", first)
	}

	second, err := s.ClaimNext()
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if second == nil || second.ID != "b" {
		t.Fatalf("got %+v, want task b", second)
	}

	empty, err := s.ClaimNext()
	if err != nil {
		t.Fatalf("ClaimNext empty: %v", err)
	}
	if empty != nil {
		t.Fatalf("expected nil when no pending tasks remain, got %+v", empty)
	}
}

func TestCompleteTask(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateTask(&Task{ID: "t1", Request: []byte(`{}`)}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.ClaimNext(); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := s.CompleteTask("t1", []byte(`{"report":{"success":true}}`)); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	got, err := s.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("got status %q, want %q", got.Status, StatusCompleted)
	}
	if len(got.Result) == 0 {
		t.Fatalf("result not stored")
	}
}

func TestFailTaskRetriesThenFails(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateTask(&Task{ID: "t1", Request: []byte(`{}`)}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// First attempt fails with attempts left: back to pending.
	if _, err := s.ClaimNext(); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := s.FailTask("t1", "endpoint unreachable", 2); err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	got, _ := s.GetTask("t1")
	if got.Status != StatusPending {
		t.Fatalf("got status %q, want %q after retriable failure", got.Status, StatusPending)
	}
	if got.Error != "endpoint unreachable" {
		t.Fatalf("error not recorded: %q", got.Error)
	}

	// Second attempt exhausts the budget: failed for good.
	if _, err := s.ClaimNext(); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := s.FailTask("t1", "endpoint unreachable", 2); err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	got, _ = s.GetTask("t1")
	if got.Status != StatusFailed {
		t.Fatalf("got status %q, want %q after exhausting attempts", got.Status, StatusFailed)
	}
	if got.Attempts != 2 {
		t.Fatalf("got %d attempts, want 2", got.Attempts)
	}
}

func TestListTasksNewestFirst(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.CreateTask(&Task{ID: id, Request: []byte(`{}`)}); err != nil {
			t.Fatalf("CreateTask(%s): %v", id, err)
		}
	}
	tasks, err := s.ListTasks()
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks, want 3", len(tasks))
	}
	if tasks[0].ID != "c" || tasks[2].ID != "a" {
		t.Fatalf("unexpected order: %s %s %s", tasks[0].ID, tasks[1].ID, tasks[2].ID)
	}
}
