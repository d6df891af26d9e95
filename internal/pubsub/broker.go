// Package pubsub provides a non-blocking fan-out broker.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrAlreadySubscribed is returned when a channel is subscribed twice.
var ErrAlreadySubscribed = errors.New("already subscribed")

// Broker delivers published values to every subscribed channel whose allow
// func accepts them. Publish never blocks: a subscriber whose channel is full
// misses the value, and the drop is counted in its stats.
type Broker[T any] struct {
	mtx         sync.Mutex
	subscribers map[chan<- T]*subscriber[T]
	count       atomic.Int64
}

type subscriber[T any] struct {
	allow func(T) bool
	stats Stats
}

// NewBroker returns an empty broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subscribers: map[chan<- T]*subscriber[T]{},
	}
}

// Publish offers val to all current subscribers.
func (b *Broker[T]) Publish(val T) {
	if b.count.Load() <= 0 { // fast path, no lock
		return
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	for ch, sub := range b.subscribers {
		if sub.allow != nil && !sub.allow(val) {
			sub.stats.Skips++
			continue
		}
		select {
		case ch <- val:
			sub.stats.Sends++
		default:
			sub.stats.Drops++
		}
	}
}

// Subscribe registers ch and blocks until ctx is done, then unregisters ch
// and returns its final stats along with the context error. A nil allow func
// accepts every value.
func (b *Broker[T]) Subscribe(ctx context.Context, allow func(T) bool, ch chan<- T) (Stats, error) {
	if err := b.add(ch, allow); err != nil {
		return Stats{}, err
	}

	<-ctx.Done()

	return b.remove(ch), ctx.Err()
}

// Subscribers returns the number of active subscriptions.
func (b *Broker[T]) Subscribers() int {
	return int(b.count.Load())
}

func (b *Broker[T]) add(ch chan<- T, allow func(T) bool) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if _, ok := b.subscribers[ch]; ok {
		return ErrAlreadySubscribed
	}

	b.subscribers[ch] = &subscriber[T]{allow: allow}
	b.count.Store(int64(len(b.subscribers)))

	return nil
}

func (b *Broker[T]) remove(ch chan<- T) Stats {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	sub, ok := b.subscribers[ch]
	if !ok {
		return Stats{}
	}

	delete(b.subscribers, ch)
	b.count.Store(int64(len(b.subscribers)))

	return sub.stats
}

// Stats counts what happened to the values offered to one subscriber.
type Stats struct {
	Skips uint64 `json:"skips"`
	Sends uint64 `json:"sends"`
	Drops uint64 `json:"drops"`
}

func (s Stats) String() string {
	return fmt.Sprintf("skips=%d sends=%d drops=%d", s.Skips, s.Sends, s.Drops)
}
