package taskstore

import (
	"math"
	"sort"
	"sync"

	"tasklist/domain"
)

// ChangeKind names the operation that produced a Change.
type ChangeKind string

const (
	TaskAdded   ChangeKind = "task-added"
	TaskToggled ChangeKind = "task-toggled"
	TaskUpdated ChangeKind = "task-updated"
	TaskRemoved ChangeKind = "task-removed"
	Rehydrated  ChangeKind = "rehydrated"
)

// Change is delivered to subscribers after every applied mutation.
// Tasks is a snapshot owned by the receiver.
type Change struct {
	Kind   ChangeKind
	TaskID int
	Tasks  []domain.Task
}

// Listener receives changes synchronously. It may read the state but must
// not mutate it from within the callback.
type Listener func(Change)

// State is the in-memory task collection. It knows nothing about
// persistence; Store layers durability on top of it.
type State struct {
	mu    sync.RWMutex
	tasks []domain.Task

	// emitMu orders listener calls by mutation order while letting
	// listeners read through mu.
	emitMu    sync.Mutex
	listeners map[int]Listener
	nextSub   int
}

// NewState returns an empty collection.
func NewState() *State {
	return &State{
		tasks:     []domain.Task{},
		listeners: make(map[int]Listener),
	}
}

// Tasks returns a copy of all tasks in insertion order.
func (s *State) Tasks() []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneTasks(s.tasks)
}

// Get returns the task with the given id.
func (s *State) Get(id int) (domain.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.tasks[i], true
	}
	return domain.Task{}, false
}

// Add appends a new task. Its id is one more than the largest id currently
// present, or 1 for an empty collection, so ids of removed tasks can come back.
func (s *State) Add(in domain.TaskInput) domain.Task {
	s.mu.Lock()
	task := domain.Task{
		ID:        s.nextIDLocked(),
		Title:     in.Title,
		Category:  in.Category,
		Date:      in.Date,
		Time:      in.Time,
		Notes:     in.Notes,
		Completed: false,
	}
	s.tasks = append(s.tasks, task)
	s.emitAndUnlock(Change{Kind: TaskAdded, TaskID: task.ID})
	return task
}

// Toggle flips the completed flag. Unknown ids are ignored.
func (s *State) Toggle(id int) (domain.Task, bool) {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return domain.Task{}, false
	}
	s.tasks[i].Completed = !s.tasks[i].Completed
	task := s.tasks[i]
	s.emitAndUnlock(Change{Kind: TaskToggled, TaskID: id})
	return task, true
}

// Update merges patch into the task with the given id. Unknown ids are ignored.
func (s *State) Update(id int, patch domain.TaskPatch) (domain.Task, bool) {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return domain.Task{}, false
	}
	patch.Apply(&s.tasks[i])
	task := s.tasks[i]
	s.emitAndUnlock(Change{Kind: TaskUpdated, TaskID: id})
	return task, true
}

// Remove deletes the task with the given id. Unknown ids are ignored.
func (s *State) Remove(id int) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.tasks = append(s.tasks[:i:i], s.tasks[i+1:]...)
	s.emitAndUnlock(Change{Kind: TaskRemoved, TaskID: id})
	return true
}

// Replace swaps the whole collection, as done when rehydrating. Ids that are
// not positive or already taken are reassigned, see repairIDs.
func (s *State) Replace(tasks []domain.Task) {
	repaired, _ := repairIDs(tasks)
	s.mu.Lock()
	s.tasks = repaired
	s.emitAndUnlock(Change{Kind: Rehydrated})
}

// Subscribe registers l and returns a function that removes it.
func (s *State) Subscribe(l Listener) func() {
	s.emitMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = l
	s.emitMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.emitMu.Lock()
			delete(s.listeners, id)
			s.emitMu.Unlock()
		})
	}
}

// emitAndUnlock must be called with mu held. It snapshots the collection,
// hands the emit lock over and releases mu before calling listeners.
func (s *State) emitAndUnlock(c Change) {
	c.Tasks = cloneTasks(s.tasks)
	s.emitMu.Lock()
	s.mu.Unlock()
	defer s.emitMu.Unlock()

	if len(s.listeners) == 0 {
		return
	}
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		l := s.listeners[id]
		snap := c
		snap.Tasks = cloneTasks(c.Tasks)
		l(snap)
	}
}

func (s *State) nextIDLocked() int {
	return nextID(s.tasks)
}

// nextID is max+1, or 1 for an empty collection. Once max+1 would overflow
// it falls back to the smallest unused positive id.
func nextID(tasks []domain.Task) int {
	highest := 0
	for _, t := range tasks {
		if t.ID > highest {
			highest = t.ID
		}
	}
	if highest < math.MaxInt {
		return highest + 1
	}
	used := make(map[int]struct{}, len(tasks))
	for _, t := range tasks {
		used[t.ID] = struct{}{}
	}
	for id := 1; ; id++ {
		if _, ok := used[id]; !ok {
			return id
		}
	}
}

// repairIDs returns a copy of tasks whose ids are positive and distinct.
// The first task holding a positive id keeps it. Later duplicates and
// non-positive ids get fresh ids through nextID, in collection order.
// The returned slice lists the ids that were replaced.
func repairIDs(tasks []domain.Task) ([]domain.Task, []int) {
	out := cloneTasks(tasks)
	keep := make([]bool, len(out))
	seen := make(map[int]struct{}, len(out))
	valid := make([]domain.Task, 0, len(out))
	for i, t := range out {
		if t.ID <= 0 {
			continue
		}
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		keep[i] = true
		valid = append(valid, t)
	}
	if len(valid) == len(out) {
		return out, nil
	}
	var replaced []int
	for i := range out {
		if keep[i] {
			continue
		}
		replaced = append(replaced, out[i].ID)
		out[i].ID = nextID(valid)
		valid = append(valid, out[i])
	}
	return out, replaced
}

func (s *State) indexLocked(id int) int {
	for i := range s.tasks {
		if s.tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneTasks(tasks []domain.Task) []domain.Task {
	out := make([]domain.Task, len(tasks))
	copy(out, tasks)
	return out
}
