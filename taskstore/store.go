package taskstore

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"tasklist/domain"
)

// Backend is the key-value substrate the store persists into.
type Backend interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Option configures a Store.
type Option func(*Store)

// WithKey overrides the storage key.
func WithKey(key string) Option {
	return func(s *Store) {
		if key != "" {
			s.key = key
		}
	}
}

// WithLogger sets the logger used for persistence failures.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithWriteTimeout bounds a single backend write. Zero disables the bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.writeTimeout = d
		}
	}
}

type snapshot struct {
	seq   uint64
	tasks []domain.Task
}

// Store wraps a State with best-effort persistence: every applied mutation
// schedules a full write of the collection, and Hydrate loads it back.
type Store struct {
	state *State

	backend      Backend
	key          string
	logger       *log.Logger
	writeTimeout time.Duration

	readyOnce sync.Once
	ready     chan struct{}
	unsub     func()

	mu        sync.Mutex
	hydrated  bool
	closed    bool
	scheduled uint64
	written   uint64
	latest    *snapshot
	wake      chan struct{}
	progress  chan struct{}
	done      chan struct{}
}

// New creates a store over backend. It is not ready until Hydrate returns.
func New(backend Backend, opts ...Option) *Store {
	if backend == nil {
		panic("taskstore.New: backend is nil")
	}
	s := &Store{
		state:        NewState(),
		backend:      backend,
		key:          DefaultKey,
		logger:       log.StandardLogger(),
		writeTimeout: 10 * time.Second,
		ready:        make(chan struct{}),
		wake:         make(chan struct{}, 1),
		progress:     make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.unsub = s.state.Subscribe(s.onChange)
	go s.writer()
	return s
}

// Open creates a store and hydrates it before returning.
func Open(ctx context.Context, backend Backend, opts ...Option) *Store {
	s := New(backend, opts...)
	s.Hydrate(ctx)
	return s
}

// Tasks returns a snapshot of the collection in insertion order.
func (s *Store) Tasks() []domain.Task { return s.state.Tasks() }

// Get returns the task with the given id.
func (s *Store) Get(id int) (domain.Task, bool) { return s.state.Get(id) }

// Add appends a new task and schedules a write.
func (s *Store) Add(in domain.TaskInput) domain.Task { return s.state.Add(in) }

// Toggle flips completion of the task with id. Unknown ids are ignored.
func (s *Store) Toggle(id int) (domain.Task, bool) { return s.state.Toggle(id) }

// Update merges patch into the task with id. Unknown ids are ignored.
func (s *Store) Update(id int, patch domain.TaskPatch) (domain.Task, bool) {
	return s.state.Update(id, patch)
}

// Remove deletes the task with id. Unknown ids are ignored.
func (s *Store) Remove(id int) bool { return s.state.Remove(id) }

// Subscribe registers l for every change, including hydration.
func (s *Store) Subscribe(l Listener) func() { return s.state.Subscribe(l) }

// Key returns the storage key in use.
func (s *Store) Key() string { return s.key }

// Ready is closed once hydration has completed.
func (s *Store) Ready() <-chan struct{} { return s.ready }

// IsReady reports whether hydration has completed.
func (s *Store) IsReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// Hydrate loads the persisted collection and replaces the in-memory one.
// A missing or unreadable value leaves the store empty. Only the first
// call has any effect.
func (s *Store) Hydrate(ctx context.Context) {
	s.readyOnce.Do(func() {
		tasks := s.load(ctx)
		s.state.Replace(tasks)
		s.mu.Lock()
		s.hydrated = true
		s.mu.Unlock()
		close(s.ready)
		s.logger.WithFields(log.Fields{"key": s.key, "tasks": len(tasks)}).Debug("task store hydrated")
	})
}

func (s *Store) load(ctx context.Context) []domain.Task {
	raw, ok, err := s.backend.Get(ctx, s.key)
	if err != nil {
		s.logger.WithError(err).WithField("key", s.key).Warn("failed to read persisted tasks, starting empty")
		return []domain.Task{}
	}
	if !ok {
		return []domain.Task{}
	}
	tasks, err := Decode(raw)
	if err != nil {
		entry := s.logger.WithError(err).WithField("key", s.key)
		if errors.Is(err, ErrNoState) {
			entry.Info("persisted value has no task state, starting empty")
		} else {
			entry.Warn("failed to decode persisted tasks, starting empty")
		}
		return []domain.Task{}
	}
	repaired, replaced := repairIDs(tasks)
	if len(replaced) > 0 {
		s.logger.WithFields(log.Fields{"key": s.key, "replaced_ids": replaced}).Warn("persisted tasks had invalid or duplicate ids, reassigned")
	}
	return repaired
}

func (s *Store) onChange(c Change) {
	if c.Kind == Rehydrated {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hydrated || s.closed {
		return
	}
	s.scheduled++
	s.latest = &snapshot{seq: s.scheduled, tasks: c.Tasks}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// writer drains scheduled snapshots. Only the newest pending snapshot is
// written; older ones it supersedes are skipped.
func (s *Store) writer() {
	defer close(s.done)
	for range s.wake {
		for {
			s.mu.Lock()
			snap := s.latest
			s.latest = nil
			s.mu.Unlock()
			if snap == nil {
				break
			}
			s.write(snap)
			s.mu.Lock()
			s.written = snap.seq
			close(s.progress)
			s.progress = make(chan struct{})
			s.mu.Unlock()
		}
	}
}

func (s *Store) write(snap *snapshot) {
	data, err := Encode(snap.tasks)
	if err != nil {
		s.logger.WithError(err).Error("failed to encode tasks")
		return
	}
	ctx := context.Background()
	if s.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
	}
	if err := s.backend.Set(ctx, s.key, data); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{"key": s.key, "tasks": len(snap.tasks)}).Error("failed to persist tasks")
	}
}

// Flush blocks until every write scheduled before the call has finished
// (successfully or not) or ctx is done.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	target := s.scheduled
	s.mu.Unlock()
	for {
		s.mu.Lock()
		if s.written >= target {
			s.mu.Unlock()
			return nil
		}
		ch := s.progress
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ClearStorage deletes the persisted value. The in-memory collection is kept
// and the next mutation writes it again.
func (s *Store) ClearStorage(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	return s.backend.Remove(ctx, s.key)
}

// Close flushes pending writes and stops the writer. Mutations after Close
// still apply in memory but are no longer persisted.
func (s *Store) Close(ctx context.Context) error {
	err := s.Flush(ctx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return err
	}
	s.closed = true
	s.mu.Unlock()
	s.unsub()
	close(s.wake)
	select {
	case <-s.done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
