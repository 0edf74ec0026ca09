package inproc

import (
	"errors"
	"sync"

	"agent_town/internal/domain"
)

var (
	ErrNoSubscribers       = errors.New("bus has no subscribers")
	ErrSubscriberQueueFull = errors.New("subscriber queue is full")
)

// Bus fans orchestrator events out to every registered surface. Publish never
// blocks: a subscriber whose queue is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Event
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.Event),
		buffer: buffer,
	}
}

func (b *Bus) Register(subscriberID string) <-chan domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[subscriberID]; ok {
		return ch
	}
	ch := make(chan domain.Event, b.buffer)
	b.subs[subscriberID] = ch
	return ch
}

func (b *Bus) Unregister(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[subscriberID]
	if !ok {
		return
	}
	delete(b.subs, subscriberID)
	close(ch)
}

// Publish delivers ev to all subscribers. The returned error joins one
// ErrSubscriberQueueFull per subscriber that dropped the event.
func (b *Bus) Publish(ev domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.subs) == 0 {
		return ErrNoSubscribers
	}

	var errs []error
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			errs = append(errs, &dropError{subscriber: id})
		}
	}
	return errors.Join(errs...)
}

type dropError struct {
	subscriber string
}

func (e *dropError) Error() string {
	return "subscriber " + e.subscriber + ": " + ErrSubscriberQueueFull.Error()
}

func (e *dropError) Unwrap() error {
	return ErrSubscriberQueueFull
}
