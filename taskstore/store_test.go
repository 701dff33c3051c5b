package taskstore

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"tasklist/domain"
)

type memBackend struct {
	mu      sync.Mutex
	data    map[string]string
	sets    int
	getErr  error
	setErr  error
	setHook func()
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string]string)}
}

func (m *memBackend) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return "", false, m.getErr
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memBackend) Set(_ context.Context, key, value string) error {
	if m.setHook != nil {
		m.setHook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = value
	return nil
}

func (m *memBackend) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memBackend) raw(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func openStore(t *testing.T, b Backend, opts ...Option) *Store {
	t.Helper()
	logger, _ := test.NewNullLogger()
	opts = append([]Option{WithLogger(logger)}, opts...)
	s := Open(context.Background(), b, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func flush(t *testing.T, s *Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestOpenWithoutStoredValueStartsEmpty(t *testing.T) {
	b := newMemBackend()
	s := openStore(t, b)

	if !s.IsReady() {
		t.Fatalf("store should be ready after Open")
	}
	if got := s.Tasks(); len(got) != 0 {
		t.Fatalf("expected empty collection, got %#v", got)
	}
	if _, ok := b.raw(DefaultKey); ok {
		t.Fatalf("hydration must not write")
	}
}

func TestMutationsArePersisted(t *testing.T) {
	b := newMemBackend()
	s := openStore(t, b)

	s.Add(domain.TaskInput{Title: "Buy milk", Category: domain.CategoryNote})
	s.Add(domain.TaskInput{Title: "Dentist", Category: domain.CategoryEvent, Date: "2025-02-03", Time: "10:00"})
	s.Toggle(1)
	flush(t, s)

	raw, ok := b.raw(DefaultKey)
	if !ok {
		t.Fatalf("expected persisted value under %q", DefaultKey)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode persisted value: %v", err)
	}
	if !reflect.DeepEqual(got, s.Tasks()) {
		t.Fatalf("persisted %#v, in memory %#v", got, s.Tasks())
	}
}

func TestRestartRestoresCollection(t *testing.T) {
	b := newMemBackend()
	first := openStore(t, b)
	first.Add(domain.TaskInput{Title: "a", Category: domain.CategoryNote})
	first.Add(domain.TaskInput{Title: "b", Category: domain.CategoryGoal, Notes: "n"})
	first.Add(domain.TaskInput{Title: "c", Category: domain.CategoryEvent})
	first.Remove(2)
	first.Toggle(3)
	flush(t, first)
	want := first.Tasks()

	second := openStore(t, b)
	if got := second.Tasks(); !reflect.DeepEqual(got, want) {
		t.Fatalf("restored %#v, want %#v", got, want)
	}
	if task := second.Add(domain.TaskInput{Title: "d"}); task.ID != 4 {
		t.Fatalf("expected id 4 after restart, got %d", task.ID)
	}
}

func TestCustomKey(t *testing.T) {
	b := newMemBackend()
	s := openStore(t, b, WithKey("other"))
	s.Add(domain.TaskInput{Title: "a"})
	flush(t, s)

	if _, ok := b.raw("other"); !ok {
		t.Fatalf("expected value under custom key")
	}
	if _, ok := b.raw(DefaultKey); ok {
		t.Fatalf("default key should be untouched")
	}
}

func TestCorruptValueStartsEmpty(t *testing.T) {
	b := newMemBackend()
	b.data[DefaultKey] = "{corrupt"
	logger, hook := test.NewNullLogger()

	s := openStore(t, b, WithLogger(logger))
	if got := s.Tasks(); len(got) != 0 {
		t.Fatalf("expected empty collection, got %#v", got)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != log.WarnLevel {
		t.Fatalf("expected a warning to be logged, got %#v", entry)
	}
}

func TestBackendReadErrorStartsEmpty(t *testing.T) {
	b := newMemBackend()
	b.getErr = errors.New("disk gone")
	s := openStore(t, b)
	if got := s.Tasks(); len(got) != 0 {
		t.Fatalf("expected empty collection, got %#v", got)
	}
}

func TestWriteFailureIsSwallowed(t *testing.T) {
	b := newMemBackend()
	b.setErr = errors.New("quota exceeded")
	logger, hook := test.NewNullLogger()
	s := openStore(t, b, WithLogger(logger))

	task := s.Add(domain.TaskInput{Title: "a"})
	flush(t, s)

	if task.ID != 1 || len(s.Tasks()) != 1 {
		t.Fatalf("in-memory state must stay authoritative: %#v", s.Tasks())
	}
	var sawError bool
	for _, e := range hook.AllEntries() {
		if e.Level == log.ErrorLevel {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("expected write failure to be logged")
	}
}

func TestNoopMutationsDoNotWrite(t *testing.T) {
	b := newMemBackend()
	s := openStore(t, b)
	s.Toggle(7)
	s.Remove(7)
	s.Update(7, domain.TaskPatch{})
	flush(t, s)
	if b.sets != 0 {
		t.Fatalf("expected no writes, got %d", b.sets)
	}
}

func TestWritesCoalesceToLatestSnapshot(t *testing.T) {
	b := newMemBackend()
	release := make(chan struct{})
	var once sync.Once
	b.setHook = func() {
		once.Do(func() { <-release })
	}
	s := openStore(t, b)

	s.Add(domain.TaskInput{Title: "first"})
	// The writer is now blocked inside the first Set.
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 10; i++ {
		s.Add(domain.TaskInput{Title: "more"})
	}
	close(release)
	flush(t, s)

	b.mu.Lock()
	sets := b.sets
	b.mu.Unlock()
	if sets >= 11 {
		t.Fatalf("expected pending snapshots to coalesce, got %d writes", sets)
	}
	raw, _ := b.raw(DefaultKey)
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 11 {
		t.Fatalf("expected final snapshot with 11 tasks, got %d", len(got))
	}
}

func TestMutationsBeforeHydrationAreNotWritten(t *testing.T) {
	b := newMemBackend()
	stored, _ := Encode([]domain.Task{{ID: 5, Title: "stored"}})
	b.data[DefaultKey] = stored
	logger, _ := test.NewNullLogger()

	s := New(b, WithLogger(logger))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	if s.IsReady() {
		t.Fatalf("store must not be ready before Hydrate")
	}
	s.Add(domain.TaskInput{Title: "early"})
	flush(t, s)
	if raw, _ := b.raw(DefaultKey); raw != stored {
		t.Fatalf("stored value was overwritten before hydration")
	}

	s.Hydrate(context.Background())
	select {
	case <-s.Ready():
	default:
		t.Fatalf("ready channel should be closed")
	}
	if got := s.Tasks(); len(got) != 1 || got[0].ID != 5 {
		t.Fatalf("hydration should replace the collection, got %#v", got)
	}
}

func TestSubscribersSeeHydration(t *testing.T) {
	b := newMemBackend()
	stored, _ := Encode([]domain.Task{{ID: 1, Title: "a"}})
	b.data[DefaultKey] = stored
	logger, _ := test.NewNullLogger()

	s := New(b, WithLogger(logger))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	var kinds []ChangeKind
	s.Subscribe(func(c Change) { kinds = append(kinds, c.Kind) })
	s.Hydrate(context.Background())
	s.Hydrate(context.Background())

	if !reflect.DeepEqual(kinds, []ChangeKind{Rehydrated}) {
		t.Fatalf("unexpected kinds: %v", kinds)
	}
}

func TestClearStorageRemovesPersistedValue(t *testing.T) {
	b := newMemBackend()
	s := openStore(t, b)
	s.Add(domain.TaskInput{Title: "a"})

	if err := s.ClearStorage(context.Background()); err != nil {
		t.Fatalf("clear storage: %v", err)
	}
	if _, ok := b.raw(DefaultKey); ok {
		t.Fatalf("expected persisted value to be removed")
	}
	if len(s.Tasks()) != 1 {
		t.Fatalf("in-memory state should be kept")
	}
}

func TestCloseStopsPersisting(t *testing.T) {
	b := newMemBackend()
	logger, _ := test.NewNullLogger()
	s := Open(context.Background(), b, WithLogger(logger))
	s.Add(domain.TaskInput{Title: "a"})
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
	before := b.sets
	s.Add(domain.TaskInput{Title: "b"})
	if b.sets != before {
		t.Fatalf("writes continued after close")
	}
	if len(s.Tasks()) != 2 {
		t.Fatalf("in-memory mutations should still apply")
	}
}

func TestDuplicateStoredIDsAreRepaired(t *testing.T) {
	b := newMemBackend()
	b.data[DefaultKey] = `{"state":{"tasks":[` +
		`{"id":1,"title":"keep me","category":"note","date":"","time":"","notes":"","completed":false},` +
		`{"id":1,"title":"and me","category":"goal","date":"","time":"","notes":"","completed":true}` +
		`]},"version":0}`
	logger, hook := test.NewNullLogger()

	s := openStore(t, b, WithLogger(logger))
	want := []domain.Task{
		{ID: 1, Title: "keep me", Category: domain.CategoryNote},
		{ID: 2, Title: "and me", Category: domain.CategoryGoal, Completed: true},
	}
	if got := s.Tasks(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected hydrated tasks: %#v", got)
	}
	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && e.Message == "persisted tasks had invalid or duplicate ids, reassigned" {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected a warning about reassigned ids")
	}

	if task := s.Add(domain.TaskInput{Title: "new", Category: domain.CategoryNote}); task.ID != 3 {
		t.Fatalf("expected id 3, got %d", task.ID)
	}
	flush(t, s)
	raw, _ := b.raw(DefaultKey)
	stored, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode persisted value: %v", err)
	}
	want = append(want, domain.Task{ID: 3, Title: "new", Category: domain.CategoryNote})
	if !reflect.DeepEqual(stored, want) {
		t.Fatalf("persisted %#v, want %#v", stored, want)
	}
}
