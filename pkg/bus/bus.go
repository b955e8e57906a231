// Package bus is a small keyed fan-out bus. Subscriptions are scoped
// to a context and torn down when it is cancelled.
package bus

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

type Message[K comparable, M any] struct {
	Key     K
	Message M
}

type Publisher[M any] func(ctx context.Context, msg M)

// subscription pairs a delivery channel with its teardown marker so a
// dispatcher never blocks on, or sends past, a cancelled subscriber.
type subscription[K comparable, M any] struct {
	ch   chan Message[K, M]
	done chan struct{}
}

type Bus[K comparable, M any] struct {
	log         *zap.Logger
	concurrency int
	ready       chan struct{}

	ch chan Message[K, M]
	// keySubs values are replaced wholesale on every change so an
	// in-flight dispatch keeps ranging its own snapshot.
	keySubs    *xsync.MapOf[K, []*subscription[K, M]]
	globalSubs *xsync.MapOf[*subscription[K, M], struct{}]
}

func NewBus[K comparable, M any](log *zap.Logger) *Bus[K, M] {
	return &Bus[K, M]{
		log:         log,
		concurrency: 1,
		ready:       make(chan struct{}),
		ch:          make(chan Message[K, M]),
		keySubs:     xsync.NewMapOf[K, []*subscription[K, M]](),
		globalSubs:  xsync.NewMapOf[*subscription[K, M], struct{}](),
	}
}

func (b *Bus[K, M]) Start(ctx context.Context) error {
	if b.concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	for i := 0; i < b.concurrency; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-b.ch:
					b.dispatch(ctx, msg)
				}
			}
		}()
	}
	close(b.ready)
	return nil
}

func (b *Bus[K, M]) Ready() <-chan struct{} {
	return b.ready
}

func (b *Bus[K, M]) Publish(ctx context.Context, key K, msg M) {
	select {
	case <-ctx.Done():
	case b.ch <- Message[K, M]{key, msg}:
	}
}

func (b *Bus[K, M]) CreatePublisher(key K) Publisher[M] {
	return func(ctx context.Context, msg M) {
		b.Publish(ctx, key, msg)
	}
}

func (b *Bus[K, M]) dispatch(ctx context.Context, msg Message[K, M]) {
	b.globalSubs.Range(func(sub *subscription[K, M], _ struct{}) bool {
		b.send(ctx, sub, msg)
		return true
	})
	subs, ok := b.keySubs.Load(msg.Key)
	if !ok {
		return
	}
	for _, sub := range subs {
		b.send(ctx, sub, msg)
	}
}

func (b *Bus[K, M]) send(ctx context.Context, sub *subscription[K, M], msg Message[K, M]) {
	select {
	case <-ctx.Done():
	case <-sub.done:
	case sub.ch <- msg:
	}
}

// Subscribe delivers messages for the given keys, or every message
// when no key is given. Delivery stops once ctx is cancelled; the
// returned channel is left open, so consumers select on their ctx
// rather than on channel closure.
func (b *Bus[K, M]) Subscribe(ctx context.Context, key ...K) <-chan Message[K, M] {
	sub := &subscription[K, M]{
		ch:   make(chan Message[K, M]),
		done: make(chan struct{}),
	}
	if len(key) == 0 {
		b.globalSubs.Store(sub, struct{}{})
		go func() {
			<-ctx.Done()
			close(sub.done)
			b.globalSubs.Delete(sub)
		}()
		return sub.ch
	}
	for _, k := range key {
		b.keySubs.Compute(k, func(subs []*subscription[K, M], _ bool) ([]*subscription[K, M], bool) {
			next := make([]*subscription[K, M], 0, len(subs)+1)
			next = append(next, subs...)
			next = append(next, sub)
			return next, false
		})
	}
	go func() {
		<-ctx.Done()
		close(sub.done)
		for _, k := range key {
			b.keySubs.Compute(k, func(subs []*subscription[K, M], _ bool) ([]*subscription[K, M], bool) {
				next := make([]*subscription[K, M], 0, len(subs))
				for _, s := range subs {
					if s != sub {
						next = append(next, s)
					}
				}
				return next, len(next) == 0
			})
		}
	}()
	return sub.ch
}
