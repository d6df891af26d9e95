package pubsub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func waitForSubscribers[T any](t *testing.T, b *Broker[T], n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for b.Subscribers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d subscribers, have %d", n, b.Subscribers())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBrokerPublishNoSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBroker[int]()
	b.Publish(1) // must not block or panic

	if want, have := 0, b.Subscribers(); want != have {
		t.Fatalf("Subscribers: want %d, have %d", want, have)
	}
}

func TestBrokerSubscribe(t *testing.T) {
	t.Parallel()

	var (
		ctx, cancel = context.WithCancel(context.Background())
		b           = NewBroker[int]()
		ch          = make(chan int, 10)
		even        = func(i int) bool { return i%2 == 0 }
		done        = make(chan Stats, 1)
	)

	go func() {
		stats, err := b.Subscribe(ctx, even, ch)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Subscribe: want context.Canceled, have %v", err)
		}
		done <- stats
	}()

	waitForSubscribers(t, b, 1)

	for i := 0; i < 6; i++ {
		b.Publish(i)
	}

	cancel()
	stats := <-done
	close(ch)

	var have []int
	for i := range ch {
		have = append(have, i)
	}

	if want := []int{0, 2, 4}; !cmp.Equal(want, have) {
		t.Error(cmp.Diff(want, have))
	}

	if want := (Stats{Skips: 3, Sends: 3}); !cmp.Equal(want, stats) {
		t.Error(cmp.Diff(want, stats))
	}

	if want, have := 0, b.Subscribers(); want != have {
		t.Errorf("Subscribers after cancel: want %d, have %d", want, have)
	}
}

func TestBrokerDropsWhenFull(t *testing.T) {
	t.Parallel()

	var (
		ctx, cancel = context.WithCancel(context.Background())
		b           = NewBroker[string]()
		ch          = make(chan string, 1)
		done        = make(chan Stats, 1)
	)

	go func() {
		stats, _ := b.Subscribe(ctx, nil, ch)
		done <- stats
	}()

	waitForSubscribers(t, b, 1)

	b.Publish("a")
	b.Publish("b")
	b.Publish("c")

	cancel()
	stats := <-done

	if want := (Stats{Sends: 1, Drops: 2}); !cmp.Equal(want, stats) {
		t.Error(cmp.Diff(want, stats))
	}
	if want, have := "a", <-ch; want != have {
		t.Errorf("want %q, have %q", want, have)
	}
}

func TestBrokerDoubleSubscribe(t *testing.T) {
	t.Parallel()

	var (
		ctx, cancel = context.WithCancel(context.Background())
		b           = NewBroker[int]()
		ch          = make(chan int)
	)
	defer cancel()

	go b.Subscribe(ctx, nil, ch)
	waitForSubscribers(t, b, 1)

	if _, err := b.Subscribe(ctx, nil, ch); !errors.Is(err, ErrAlreadySubscribed) {
		t.Fatalf("want ErrAlreadySubscribed, have %v", err)
	}
}
