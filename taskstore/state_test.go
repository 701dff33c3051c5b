package taskstore

import (
	"math"
	"reflect"
	"sync"
	"testing"

	"tasklist/domain"
)

func input(title string) domain.TaskInput {
	return domain.TaskInput{Title: title, Category: domain.CategoryNote}
}

func ids(tasks []domain.Task) []int {
	out := make([]int, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestAddAssignsSequentialIDs(t *testing.T) {
	s := NewState()
	for i := 1; i <= 5; i++ {
		task := s.Add(input("t"))
		if task.ID != i {
			t.Fatalf("expected id %d, got %d", i, task.ID)
		}
		if task.Completed {
			t.Fatalf("new task must not be completed")
		}
	}
	if got := ids(s.Tasks()); !reflect.DeepEqual(got, []int{1, 2, 3, 4, 5}) {
		t.Fatalf("unexpected ids: %v", got)
	}
}

func TestAddFirstTaskScenario(t *testing.T) {
	s := NewState()
	s.Add(domain.TaskInput{Title: "Buy milk", Category: domain.CategoryNote})

	want := []domain.Task{{ID: 1, Title: "Buy milk", Category: domain.CategoryNote}}
	if got := s.Tasks(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected tasks: %#v", got)
	}
}

func TestAddReusesRemovedMaxID(t *testing.T) {
	s := NewState()
	s.Add(input("a"))
	s.Add(input("b"))
	s.Add(input("c"))

	if !s.Remove(3) {
		t.Fatalf("expected remove to apply")
	}
	if task := s.Add(input("d")); task.ID != 3 {
		t.Fatalf("expected id 3 to be reused, got %d", task.ID)
	}
}

func TestAddAfterRemovingMiddleUsesMaxPlusOne(t *testing.T) {
	s := NewState()
	s.Add(input("a"))
	s.Add(input("b"))
	s.Add(input("c"))

	s.Remove(2)
	task := s.Add(input("d"))
	if task.ID != 4 {
		t.Fatalf("expected id 4, got %d", task.ID)
	}
	if got := ids(s.Tasks()); !reflect.DeepEqual(got, []int{1, 3, 4}) {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestAddAfterReplaceUsesStoredMax(t *testing.T) {
	s := NewState()
	s.Replace([]domain.Task{{ID: 9}, {ID: 4}})
	if task := s.Add(input("x")); task.ID != 10 {
		t.Fatalf("expected id 10, got %d", task.ID)
	}
}

func TestToggleIsInvolution(t *testing.T) {
	s := NewState()
	s.Add(input("a"))

	first, ok := s.Toggle(1)
	if !ok || !first.Completed {
		t.Fatalf("expected first toggle to complete task: %#v", first)
	}
	second, ok := s.Toggle(1)
	if !ok || second.Completed {
		t.Fatalf("expected second toggle to reopen task: %#v", second)
	}
}

func TestUnknownIDIsNoop(t *testing.T) {
	s := NewState()
	s.Add(input("a"))
	s.Add(input("b"))
	before := s.Tasks()

	var calls int
	s.Subscribe(func(Change) { calls++ })

	title := "changed"
	if _, ok := s.Toggle(42); ok {
		t.Fatalf("toggle on unknown id reported success")
	}
	if _, ok := s.Update(42, domain.TaskPatch{Title: &title}); ok {
		t.Fatalf("update on unknown id reported success")
	}
	if s.Remove(42) {
		t.Fatalf("remove on unknown id reported success")
	}
	if got := s.Tasks(); !reflect.DeepEqual(got, before) {
		t.Fatalf("collection changed: %#v", got)
	}
	if calls != 0 {
		t.Fatalf("expected no notifications, got %d", calls)
	}
}

func TestUpdateMergesFields(t *testing.T) {
	s := NewState()
	s.Add(domain.TaskInput{Title: "a", Category: domain.CategoryNote, Notes: "n"})
	s.Toggle(1)

	date := "2025-01-02"
	cat := domain.CategoryEvent
	task, ok := s.Update(1, domain.TaskPatch{Date: &date, Category: &cat})
	if !ok {
		t.Fatalf("expected update to apply")
	}
	want := domain.Task{ID: 1, Title: "a", Category: domain.CategoryEvent, Date: date, Notes: "n", Completed: true}
	if task != want {
		t.Fatalf("unexpected task: %#v", task)
	}
}

func TestUpdateSetsCompletedOnlyWhenGiven(t *testing.T) {
	s := NewState()
	s.Add(input("a"))

	done := true
	if task, _ := s.Update(1, domain.TaskPatch{Completed: &done}); !task.Completed {
		t.Fatalf("explicit completed=true should be assigned")
	}
	if task, _ := s.Update(1, domain.TaskPatch{Completed: &done}); !task.Completed {
		t.Fatalf("completed is assigned, not flipped")
	}
	title := "b"
	if task, _ := s.Update(1, domain.TaskPatch{Title: &title}); !task.Completed || task.Title != "b" {
		t.Fatalf("patch without completed must leave it untouched: %#v", task)
	}
}

func TestRemovePreservesOrder(t *testing.T) {
	s := NewState()
	for _, title := range []string{"a", "b", "c", "d"} {
		s.Add(input(title))
	}
	s.Remove(1)
	s.Remove(3)
	if got := ids(s.Tasks()); !reflect.DeepEqual(got, []int{2, 4}) {
		t.Fatalf("unexpected ids: %v", got)
	}
}

func TestTasksReturnsCopy(t *testing.T) {
	s := NewState()
	s.Add(input("a"))
	snap := s.Tasks()
	snap[0].Title = "mutated"
	if got, _ := s.Get(1); got.Title != "a" {
		t.Fatalf("snapshot mutation leaked into state: %#v", got)
	}
}

func TestSubscribersSeeChangesSynchronously(t *testing.T) {
	s := NewState()
	var got []Change
	unsub := s.Subscribe(func(c Change) {
		// Reads from inside a listener must not deadlock.
		if len(s.Tasks()) != len(c.Tasks) {
			t.Errorf("listener snapshot out of sync")
		}
		got = append(got, c)
	})

	s.Add(input("a"))
	s.Toggle(1)
	s.Remove(1)
	if len(got) != 3 {
		t.Fatalf("expected 3 changes before returning, got %d", len(got))
	}
	kinds := []ChangeKind{got[0].Kind, got[1].Kind, got[2].Kind}
	if !reflect.DeepEqual(kinds, []ChangeKind{TaskAdded, TaskToggled, TaskRemoved}) {
		t.Fatalf("unexpected kinds: %v", kinds)
	}
	if got[1].TaskID != 1 || !got[1].Tasks[0].Completed {
		t.Fatalf("unexpected toggle change: %#v", got[1])
	}

	unsub()
	unsub()
	s.Add(input("b"))
	if len(got) != 3 {
		t.Fatalf("unsubscribed listener was called")
	}
}

func TestConcurrentAddsKeepIDsDistinct(t *testing.T) {
	s := NewState()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Add(input("x"))
		}()
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, task := range s.Tasks() {
		if seen[task.ID] {
			t.Fatalf("duplicate id %d", task.ID)
		}
		seen[task.ID] = true
	}
	if len(seen) != 50 {
		t.Fatalf("expected 50 tasks, got %d", len(seen))
	}
}

func TestAddAfterMaxIntIDUsesSmallestFree(t *testing.T) {
	s := NewState()
	s.Replace([]domain.Task{{ID: math.MaxInt, Title: "big"}, {ID: 1, Title: "one"}})

	a := s.Add(input("a"))
	b := s.Add(input("b"))
	if a.ID != 2 || b.ID != 3 {
		t.Fatalf("expected ids 2 and 3, got %d and %d", a.ID, b.ID)
	}
	seen := make(map[int]bool)
	for _, id := range ids(s.Tasks()) {
		if id <= 0 || seen[id] {
			t.Fatalf("ids not positive and distinct: %v", ids(s.Tasks()))
		}
		seen[id] = true
	}
}

func TestReplaceRepairsIDs(t *testing.T) {
	tests := []struct {
		name string
		in   []int
		want []int
	}{
		{name: "distinct", in: []int{3, 1, 2}, want: []int{3, 1, 2}},
		{name: "duplicate", in: []int{1, 1}, want: []int{1, 2}},
		{name: "non-positive", in: []int{0, 2, 2, -5}, want: []int{3, 2, 4, 5}},
		{name: "duplicate at max int", in: []int{math.MaxInt, math.MaxInt, 1}, want: []int{math.MaxInt, 2, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks := make([]domain.Task, len(tt.in))
			for i, id := range tt.in {
				tasks[i] = domain.Task{ID: id, Title: "t"}
			}
			s := NewState()
			s.Replace(tasks)
			if got := ids(s.Tasks()); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("ids = %v, want %v", got, tt.want)
			}
			if tasks[0].ID != tt.in[0] {
				t.Fatalf("input slice was modified")
			}
		})
	}
}
