// Package events provides at-least-once task event delivery
package events

import (
	"context"
	"sync"

	"github.com/rizome-dev/quill/pkg/logging"
	"github.com/rizome-dev/quill/pkg/state"
	"github.com/rizome-dev/quill/pkg/types"
)

// DefaultBufferSize is the per-subscriber channel buffer
const DefaultBufferSize = 128

// Subscriber receives task events. Handle must tolerate duplicate
// delivery; events are at-least-once.
type Subscriber interface {
	Handle(event *types.Event)
}

// SubscriberFunc adapts a function to the Subscriber interface
type SubscriberFunc func(event *types.Event)

// Handle calls the function
func (f SubscriberFunc) Handle(event *types.Event) {
	f(event)
}

// Notifier fans task events out to independent subscribers. Publish
// never blocks the caller: each subscriber drains its own buffered
// channel, and when a buffer is full the event is handed to a goroutine
// that waits on that subscriber alone.
type Notifier struct {
	mu      sync.RWMutex
	subs    []*subscription
	logger  *logging.Logger
	closed  bool
	pending sync.WaitGroup
}

type subscription struct {
	name string
	sub  Subscriber
	ch   chan *types.Event
	done chan struct{}
}

// NewNotifier creates a notifier
func NewNotifier(logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Notifier{
		logger: logger.WithComponent("events"),
	}
}

// Subscribe registers a named subscriber
func (n *Notifier) Subscribe(name string, sub Subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}

	s := &subscription{
		name: name,
		sub:  sub,
		ch:   make(chan *types.Event, DefaultBufferSize),
		done: make(chan struct{}),
	}
	n.subs = append(n.subs, s)

	go s.drain()
}

func (s *subscription) drain() {
	defer close(s.done)
	for event := range s.ch {
		s.sub.Handle(event)
	}
}

// Publish delivers an event to every subscriber without blocking.
// Delivery order per subscriber can degrade when its buffer overflows;
// observers reconcile against the store if they need exact state.
func (n *Notifier) Publish(event *types.Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return
	}

	for _, s := range n.subs {
		select {
		case s.ch <- event:
		default:
			n.logger.Warn("subscriber %s buffer full, delivering asynchronously", s.name)
			n.pending.Add(1)
			go func(s *subscription, event *types.Event) {
				defer n.pending.Done()
				s.ch <- event
			}(s, event)
		}
	}
}

// Close stops delivery after draining buffered events
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	subs := n.subs
	n.mu.Unlock()

	// Wait for overflow sends before closing channels
	n.pending.Wait()

	for _, s := range subs {
		close(s.ch)
		<-s.done
	}
}

// StoreRecorder is a subscriber that appends every event to the durable
// event log
type StoreRecorder struct {
	store  state.Store
	logger *logging.Logger
}

// NewStoreRecorder creates a store-backed event recorder
func NewStoreRecorder(store state.Store, logger *logging.Logger) *StoreRecorder {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &StoreRecorder{
		store:  store,
		logger: logger.WithComponent("event-recorder"),
	}
}

// Handle records the event; failures are logged, never propagated
func (r *StoreRecorder) Handle(event *types.Event) {
	if err := r.store.RecordEvent(context.Background(), event); err != nil {
		r.logger.WithError(err).Error("failed to record event %s for task %s", event.Type, event.TaskID)
	}
}
