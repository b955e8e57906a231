package hidraw

import "time"

// MaxReportSize is the largest report frame allowed by the HID spec.
const MaxReportSize = 4096

// defaultWaitBudget bounds a single wait for conduit input.
const defaultWaitBudget = 1000 * time.Millisecond

// ReportType selects which report class a raw request addresses.
type ReportType uint8

const (
	InputReport ReportType = iota
	OutputReport
	FeatureReport
)

// RequestType selects the direction of a raw feature request.
type RequestType uint8

const (
	GetReport RequestType = iota
	SetReport
)

// DevInfo is the raw identity of the device behind a conduit.
type DevInfo struct {
	BusType uint32
	Vendor  uint16
	Product uint16
}

// Conduit is one opened read/write endpoint to a raw HID device.
// A conduit is owned exclusively by its Transport; all I/O methods
// are serialized by the transport's locking and must never be called
// directly by consumers. Interrupt is the only method that may be
// called concurrently with a blocked Wait.
type Conduit interface {
	// Wait blocks until conduit input is readable, the budget expires
	// (ErrTimeout), or Interrupt fires (ErrInterrupted, with the
	// signal fully drained before returning).
	Wait(budget time.Duration) error
	// Interrupt wakes a blocked Wait. The signal is sticky: if no
	// Wait is in flight it is consumed by the next one.
	Interrupt() error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// GetFeatureReport exchanges p, whose first byte holds the report
	// number, for the device-held feature data. It returns the number
	// of bytes the device reported back.
	GetFeatureReport(p []byte) (int, error)
	// SetFeatureReport pushes p, whose first byte holds the report
	// number, to the device.
	SetFeatureReport(p []byte) (int, error)
	Info() DevInfo
	Close() error
}

// ReportFunc consumes every input report observed on the conduit.
// The transport does not hold any lock across the call.
type ReportFunc func(report []byte) error
