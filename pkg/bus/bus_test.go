package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBus[string, int](zap.NewNop())
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-b.Ready()

	keyed := b.Subscribe(ctx, "a")
	global := b.Subscribe(ctx)

	recv := func(ch <-chan Message[string, int]) Message[string, int] {
		t.Helper()
		select {
		case msg := <-ch:
			return msg
		case <-time.After(2 * time.Second):
			t.Fatal("no message")
			return Message[string, int]{}
		}
	}

	go b.Publish(ctx, "a", 1)
	if msg := recv(global); msg.Key != "a" || msg.Message != 1 {
		t.Fatalf("global subscriber saw %v", msg)
	}
	if msg := recv(keyed); msg.Key != "a" || msg.Message != 1 {
		t.Fatalf("keyed subscriber saw %v", msg)
	}

	go b.Publish(ctx, "b", 2)
	if msg := recv(global); msg.Key != "b" || msg.Message != 2 {
		t.Fatalf("global subscriber saw %v", msg)
	}
	select {
	case msg := <-keyed:
		t.Fatalf("keyed subscriber leaked %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBus[string, int](zap.NewNop())
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			b.Publish(ctx, "a", i)
		}
	}()

	// churn subscriptions while the publisher hammers the same key
	for i := 0; i < 50; i++ {
		subCtx, subCancel := context.WithCancel(ctx)
		ch := b.Subscribe(subCtx, "a")
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			subCancel()
			t.Fatal("no delivery")
		}
		subCancel()
	}

	close(stop)
	wg.Wait()
}

func TestPublisher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBus[string, string](zap.NewNop())
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	sub := b.Subscribe(ctx, "dev")
	pub := b.CreatePublisher("dev")
	go pub(ctx, "hello")
	select {
	case msg := <-sub:
		if msg.Message != "hello" {
			t.Fatalf("got %q", msg.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}
}
