package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultBufferSize = 64

// Broker is the in-process Publisher: it fans events out to subscriber
// channels. Delivery is non-blocking; a full subscriber drops events rather
// than stalling the mutation path.
type Broker struct {
	subs       map[chan Event]struct{}
	mu         sync.RWMutex
	done       chan struct{}
	bufferSize int
}

var _ Publisher = (*Broker)(nil)

// NewBroker creates a broker with the default subscriber buffer size (64).
func NewBroker() *Broker {
	return NewBrokerWithBuffer(defaultBufferSize)
}

// NewBrokerWithBuffer creates a broker with a custom subscriber buffer size.
func NewBrokerWithBuffer(size int) *Broker {
	return &Broker{
		subs:       make(map[chan Event]struct{}),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// Subscribe creates a new subscription channel. The channel is closed when
// ctx is cancelled or the broker shuts down. Subscribing to a closed broker
// returns an already-closed channel.
func (b *Broker) Subscribe(ctx context.Context) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Event)
		close(ch)
		return ch
	default:
	}

	sub := make(chan Event, b.bufferSize)
	b.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()

		select {
		case <-b.done:
			return
		default:
		}

		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish fans the event out to all subscribers. Missing id and timestamp
// fields are stamped here. Publishing never blocks and never fails: a full
// subscriber buffer drops the event, a closed broker swallows it.
func (b *Broker) Publish(_ context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return nil
	default:
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	for sub := range b.subs {
		select {
		case sub <- event:
		default:
			// Channel full - drop to keep the mutation path unblocked.
		}
	}
	return nil
}

// Close shuts down the broker and all subscriber channels.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
