package domain

// Category classifies a task.
type Category string

const (
	CategoryNote  Category = "note"
	CategoryEvent Category = "event"
	CategoryGoal  Category = "goal"
)

// Categories returns the closed set of task categories in display order.
func Categories() []Category {
	return []Category{CategoryNote, CategoryEvent, CategoryGoal}
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryNote, CategoryEvent, CategoryGoal:
		return true
	}
	return false
}

// Task represents a single to-do item.
type Task struct {
	ID        int      `json:"id"`
	Title     string   `json:"title"`
	Category  Category `json:"category"`
	Date      string   `json:"date"` // YYYY-MM-DD or empty
	Time      string   `json:"time"` // HH:MM or empty
	Notes     string   `json:"notes"`
	Completed bool     `json:"completed"`
}

// TaskInput carries the caller supplied fields of a new task.
type TaskInput struct {
	Title    string   `json:"title"`
	Category Category `json:"category"`
	Date     string   `json:"date"`
	Time     string   `json:"time"`
	Notes    string   `json:"notes"`
}

// TaskPatch holds optional task fields used for partial updates.
// A nil field is left untouched.
type TaskPatch struct {
	Title     *string   `json:"title,omitempty"`
	Category  *Category `json:"category,omitempty"`
	Date      *string   `json:"date,omitempty"`
	Time      *string   `json:"time,omitempty"`
	Notes     *string   `json:"notes,omitempty"`
	Completed *bool     `json:"completed,omitempty"`
}

// Empty reports whether the patch carries no fields.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Category == nil && p.Date == nil &&
		p.Time == nil && p.Notes == nil && p.Completed == nil
}

// Apply merges the patch into t. The id is never changed.
func (p TaskPatch) Apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Category != nil {
		t.Category = *p.Category
	}
	if p.Date != nil {
		t.Date = *p.Date
	}
	if p.Time != nil {
		t.Time = *p.Time
	}
	if p.Notes != nil {
		t.Notes = *p.Notes
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}
}

// Partition splits tasks into pending and completed, keeping their order.
func Partition(tasks []Task) (pending, completed []Task) {
	pending = make([]Task, 0, len(tasks))
	completed = make([]Task, 0)
	for _, t := range tasks {
		if t.Completed {
			completed = append(completed, t)
			continue
		}
		pending = append(pending, t)
	}
	return pending, completed
}
