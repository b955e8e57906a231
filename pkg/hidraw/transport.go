// Package hidraw exchanges reports with a raw HID device node while a
// background reader drains unsolicited input reports.
//
// The conduit is a single endpoint serving two competing access
// patterns: a long-lived reader blocked waiting for spontaneous input,
// and short synchronous feature transactions issued by arbitrary
// goroutines. Arbitration is a steal protocol over two mutexes and the
// conduit's interrupt signal: a foreign caller marks its intent on the
// grab mutex, interrupts the reader's bounded wait, takes the I/O
// mutex, and releases the grab mutex; the reader hands over by cycling
// the grab mutex between iterations. A foreign caller is therefore
// serviced within one wait budget, and conduit I/O is never
// interleaved.
package hidraw

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var defaultTransportOptions = transportOptions{
	waitBudget: defaultWaitBudget,
}

type transportOptions struct {
	log        *zap.Logger
	waitBudget time.Duration
	onReport   ReportFunc
}

// Option tunes a Transport.
type Option func(*transportOptions)

// WithLogger sets the diagnostic logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *transportOptions) {
		o.log = log
	}
}

// WithWaitBudget overrides the bound on a single input wait.
func WithWaitBudget(d time.Duration) Option {
	return func(o *transportOptions) {
		o.waitBudget = d
	}
}

// WithReportFunc registers the consumer of observed input reports.
func WithReportFunc(fn ReportFunc) Option {
	return func(o *transportOptions) {
		o.onReport = fn
	}
}

// Transport owns one conduit for its whole lifetime and arbitrates
// access to it. Close must not be called concurrently with any other
// method.
type Transport struct {
	log     *zap.Logger
	options transportOptions
	conduit Conduit

	// ioMu guards all conduit I/O and is held for the duration of
	// exactly one operation. grabMu arbitrates who may attempt the
	// next ioMu acquisition and is never held across an I/O call.
	ioMu   sync.Mutex
	grabMu sync.Mutex

	// threaded is set when the background reader starts and is never
	// cleared; before that, lock operations are no-ops. readerOn
	// flips false exactly once to request reader shutdown.
	threaded   atomic.Bool
	readerOn   atomic.Bool
	readerDone chan struct{}
}

// New wraps an opened conduit. The transport takes ownership of it.
func New(conduit Conduit, opts ...Option) *Transport {
	options := defaultTransportOptions
	for _, opt := range opts {
		opt(&options)
	}
	log := options.log
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		log:        log,
		options:    options,
		conduit:    conduit,
		readerDone: make(chan struct{}),
	}
}

// Info reports the identity of the device behind the conduit.
func (t *Transport) Info() DevInfo {
	return t.conduit.Info()
}

// Close stops the background reader, joins it and releases the
// conduit. The transport is unusable afterwards.
func (t *Transport) Close() error {
	t.StopReader()
	c := t.conduit
	t.conduit = nil
	if c == nil {
		return ErrClosed
	}
	return c.Close()
}

// StartReader spawns the background reader. It may be called at most
// once for the transport's lifetime; later calls fail with
// ErrReaderStarted.
func (t *Transport) StartReader() error {
	if t.conduit == nil {
		return ErrClosed
	}
	if !t.threaded.CompareAndSwap(false, true) {
		return ErrReaderStarted
	}
	t.readerOn.Store(true)
	go t.readLoop()
	return nil
}

// StopReader requests reader shutdown and blocks until the worker has
// fully exited. Shutdown latency is bounded by one wait budget. It is
// a no-op if the reader is not running.
func (t *Transport) StopReader() {
	if !t.threaded.Load() {
		return
	}
	t.readerOn.CompareAndSwap(true, false)
	<-t.readerDone
}

// acquire steals exclusive conduit access from the background reader
// and returns the release func. The interrupt causes a reader parked
// in its wait to return immediately; the reader then releases ioMu
// and parks on grabMu until we hold ioMu ourselves. Before the reader
// has ever started this is free: there is no contention to arbitrate.
func (t *Transport) acquire() func() {
	if !t.threaded.Load() {
		return func() {}
	}
	t.grabMu.Lock()
	select {
	case <-t.readerDone:
		// reader exited: nothing is parked in a wait, and nothing
		// would ever drain an interrupt signal again
	default:
		if err := t.conduit.Interrupt(); err != nil {
			t.log.Warn("conduit interrupt failed", zap.Error(err))
		}
	}
	t.ioMu.Lock()
	t.grabMu.Unlock()
	return t.ioMu.Unlock
}

func (t *Transport) readLoop() {
	defer close(t.readerDone)
	var scratch [1]byte
	for t.readerOn.Load() {
		t.ioMu.Lock()
		_, err := t.readReport(scratch[:], true)
		t.ioMu.Unlock()
		switch {
		case err == nil, errors.Is(err, ErrTimeout), errors.Is(err, ErrInterrupted):
		default:
			t.log.Debug("background read failed", zap.Error(err))
		}

		// Cycling grabMu blocks us from racing back into the wait
		// until a mid-steal foreign caller holds ioMu.
		t.grabMu.Lock()
		t.grabMu.Unlock()
	}
}

// ReadInputReport performs one bounded wait for an input report and
// copies up to len(buf) of it out, returning the full byte count read.
// With propagate set, the registered ReportFunc sees the full report
// regardless of how much was copied. The caller coordinates conduit
// access itself; with the background reader running, input reports are
// consumed by the reader and delivered through the ReportFunc instead.
func (t *Transport) ReadInputReport(buf []byte, propagate bool) (int, error) {
	if len(buf) < 1 || len(buf) > MaxReportSize {
		return 0, ErrInvalidLength
	}
	if t.conduit == nil {
		return 0, ErrClosed
	}
	return t.readReport(buf, propagate)
}

func (t *Transport) readReport(buf []byte, propagate bool) (int, error) {
	if err := t.conduit.Wait(t.options.waitBudget); err != nil {
		return 0, err
	}
	scratch := make([]byte, MaxReportSize)
	n, err := t.conduit.Read(scratch)
	if err != nil {
		return 0, fmt.Errorf("hidraw: read: %w", err)
	}
	if n == 0 {
		// readable with nothing to read means the device went away
		return 0, fmt.Errorf("hidraw: read: %w", io.ErrUnexpectedEOF)
	}
	if propagate && t.options.onReport != nil {
		if err := t.options.onReport(scratch[:n]); err != nil {
			t.log.Warn("report consumer failed", zap.Error(err))
		}
	}
	copy(buf, scratch[:n])
	return n, nil
}

// RawRequest performs one locked feature-report transaction. For
// GetReport the device-held data for reportNum is copied into buf and
// the copied byte count returned; for SetReport buf is pushed to the
// device with its first byte overwritten by reportNum, returning 0.
// Only FeatureReport is supported.
func (t *Transport) RawRequest(reportNum uint8, buf []byte, rtype ReportType, reqtype RequestType) (int, error) {
	if len(buf) < 1 || len(buf) > MaxReportSize {
		return 0, ErrInvalidLength
	}
	if t.conduit == nil {
		return 0, ErrClosed
	}
	if rtype != FeatureReport {
		return 0, ErrNotSupported
	}

	release := t.acquire()
	defer release()

	switch reqtype {
	case GetReport:
		tmp := make([]byte, len(buf))
		tmp[0] = reportNum
		n, err := t.conduit.GetFeatureReport(tmp)
		if err != nil {
			return 0, fmt.Errorf("hidraw: get feature report %#02x: %w", reportNum, err)
		}
		copy(buf, tmp[:n])
		return n, nil
	case SetReport:
		buf[0] = reportNum
		if _, err := t.conduit.SetFeatureReport(buf); err != nil {
			return 0, fmt.Errorf("hidraw: set feature report %#02x: %w", reportNum, err)
		}
		return 0, nil
	}
	return 0, ErrInvalidRequest
}

// WriteOutputReport pushes one output report to the device. The write
// goes through the same steal protocol as feature transactions so it
// can never interleave with a background read.
func (t *Transport) WriteOutputReport(buf []byte) error {
	if len(buf) < 1 || len(buf) > MaxReportSize {
		return ErrInvalidLength
	}
	if t.conduit == nil {
		return ErrClosed
	}

	release := t.acquire()
	defer release()

	n, err := t.conduit.Write(buf)
	if err != nil {
		return fmt.Errorf("hidraw: write: %w", err)
	}
	if n != len(buf) {
		return ErrShortWrite
	}
	return nil
}

// PropagateReport hands report bytes obtained outside ReadInputReport
// to the registered ReportFunc. Without a registered consumer it is a
// no-op.
func (t *Transport) PropagateReport(report []byte) error {
	if t.options.onReport == nil {
		return nil
	}
	return t.options.onReport(report)
}
