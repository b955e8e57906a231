package hidraw

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// loopbackConduit is an in-memory conduit. Input reports are injected
// with push, output reports are captured, and feature pages live in a
// map keyed by report number. Every I/O method checks that it is never
// entered concurrently with another one, which is exactly the
// exclusion guarantee the transport must provide.
type loopbackConduit struct {
	in     chan []byte
	signal chan struct{}

	mu       sync.Mutex
	pending  []byte
	features map[uint8][]byte
	written  [][]byte

	busy       atomic.Int32
	overlap    atomic.Bool
	ioCount    atomic.Int32
	interrupts atomic.Int32
}

func newLoopback() *loopbackConduit {
	return &loopbackConduit{
		in:       make(chan []byte, 64),
		signal:   make(chan struct{}, 64),
		features: make(map[uint8][]byte),
	}
}

// push injects one device→host input report.
func (l *loopbackConduit) push(report []byte) {
	l.in <- append([]byte(nil), report...)
}

func (l *loopbackConduit) setFeature(num uint8, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.features[num] = append([]byte(nil), data...)
}

func (l *loopbackConduit) outputs() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.written...)
}

func (l *loopbackConduit) enter() {
	if l.busy.Inc() > 1 {
		l.overlap.Store(true)
	}
	l.ioCount.Inc()
}

func (l *loopbackConduit) leave() {
	l.busy.Dec()
}

func (l *loopbackConduit) drainSignal() {
	for {
		select {
		case <-l.signal:
		default:
			return
		}
	}
}

func (l *loopbackConduit) Wait(budget time.Duration) error {
	l.enter()
	defer l.leave()

	select {
	case <-l.signal:
		l.drainSignal()
		return ErrInterrupted
	default:
	}

	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case <-l.signal:
		l.drainSignal()
		return ErrInterrupted
	case report := <-l.in:
		l.mu.Lock()
		l.pending = report
		l.mu.Unlock()
		return nil
	case <-timer.C:
		return ErrTimeout
	}
}

func (l *loopbackConduit) Interrupt() error {
	l.interrupts.Inc()
	select {
	case l.signal <- struct{}{}:
	default:
	}
	return nil
}

func (l *loopbackConduit) Read(p []byte) (int, error) {
	l.enter()
	defer l.leave()
	l.mu.Lock()
	defer l.mu.Unlock()
	report := l.pending
	l.pending = nil
	return copy(p, report), nil
}

func (l *loopbackConduit) Write(p []byte) (int, error) {
	l.enter()
	defer l.leave()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.written = append(l.written, append([]byte(nil), p...))
	return len(p), nil
}

func (l *loopbackConduit) GetFeatureReport(p []byte) (int, error) {
	l.enter()
	defer l.leave()
	l.mu.Lock()
	defer l.mu.Unlock()
	return copy(p, l.features[p[0]]), nil
}

func (l *loopbackConduit) SetFeatureReport(p []byte) (int, error) {
	l.enter()
	defer l.leave()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.features[p[0]] = append([]byte(nil), p...)
	return len(p), nil
}

func (l *loopbackConduit) Info() DevInfo {
	return DevInfo{BusType: 0x03, Vendor: 0x046d, Product: 0xc539}
}

func (l *loopbackConduit) Close() error {
	return nil
}
