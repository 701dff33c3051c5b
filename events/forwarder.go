package events

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"tasklist/taskstore"
)

// Subscriber is the part of the task store a Forwarder listens to.
type Subscriber interface {
	Subscribe(l taskstore.Listener) func()
}

type forwarderConfig struct {
	bufferSize     int
	publishTimeout time.Duration
	now            func() time.Time
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*forwarderConfig)

// WithBuffer sets how many changes may wait for publishing before new ones
// are dropped.
func WithBuffer(n int) ForwarderOption {
	return func(c *forwarderConfig) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// WithPublishTimeout bounds each publish call.
func WithPublishTimeout(d time.Duration) ForwarderOption {
	return func(c *forwarderConfig) {
		if d > 0 {
			c.publishTimeout = d
		}
	}
}

// Forwarder relays store changes to a Publisher from a single worker so
// store listeners never block on the network.
type Forwarder struct {
	pub    Publisher
	logger *log.Logger
	cfg    forwarderConfig

	mu     sync.Mutex
	jobs   chan Message
	unsub  func()
	closed bool
	wg     sync.WaitGroup
}

// NewForwarder starts the worker. Call Attach to begin receiving changes.
func NewForwarder(pub Publisher, logger *log.Logger, opts ...ForwarderOption) *Forwarder {
	if pub == nil {
		panic("events.NewForwarder: publisher is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	cfg := forwarderConfig{bufferSize: 256, publishTimeout: 5 * time.Second, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	f := &Forwarder{
		pub:    pub,
		logger: logger,
		cfg:    cfg,
		jobs:   make(chan Message, cfg.bufferSize),
	}
	f.wg.Add(1)
	go f.worker()
	return f
}

// Attach subscribes to s. A Forwarder is attached to at most one store.
func (f *Forwarder) Attach(s Subscriber) {
	unsub := s.Subscribe(f.enqueue)
	f.mu.Lock()
	if f.unsub != nil || f.closed {
		f.mu.Unlock()
		unsub()
		return
	}
	f.unsub = unsub
	f.mu.Unlock()
}

func (f *Forwarder) enqueue(c taskstore.Change) {
	msg := NewMessage(c, f.cfg.now())
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.jobs <- msg:
	default:
		f.logger.WithFields(log.Fields{"kind": msg.Kind, "taskId": msg.TaskID}).Warn("change feed saturated, dropping message")
	}
}

func (f *Forwarder) worker() {
	defer f.wg.Done()
	for msg := range f.jobs {
		payload, err := msg.Encode()
		if err != nil {
			f.logger.WithError(err).Error("encode change message")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), f.cfg.publishTimeout)
		err = f.pub.Publish(ctx, payload)
		cancel()
		if err != nil {
			f.logger.WithError(err).WithFields(log.Fields{"kind": msg.Kind, "id": msg.ID}).Error("publish change")
		}
	}
}

// Close detaches from the store and waits for queued messages to be
// published or for ctx to end.
func (f *Forwarder) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	unsub := f.unsub
	close(f.jobs)
	f.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
