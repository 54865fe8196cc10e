/*
Package notify propagates cache-invalidation and booking events.

PURPOSE:
  Invalidation of cached reads (credits, booking lists) is pushed via an
  explicit signal rather than polling. The Bus is the in-process
  default and the test double; AMQP (amqp.go) fans events out across
  processes. Events are advisory - delivery is best-effort and never a
  correctness mechanism.
*/
package notify

import (
	"context"
	"sync"
)

// Event is one published notification.
type Event struct {
	Topic   string
	Payload any
}

// Bus is an in-process publisher with subscriber channels.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving every subsequent event. The
// buffer absorbs bursts; a full subscriber drops events rather than
// blocking publishers.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 64)
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) Publish(_ context.Context, topic string, payload any) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- Event{Topic: topic, Payload: payload}:
		default:
		}
	}
	return nil
}
