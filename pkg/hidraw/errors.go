package hidraw

import "errors"

// Protocol conditions surfaced by the transport. ErrClosed,
// ErrInvalidLength and ErrInvalidRequest correspond to argument
// validation failures and are returned before any conduit I/O.
var (
	ErrClosed         = errors.New("hidraw: transport closed")
	ErrInvalidLength  = errors.New("hidraw: invalid report length")
	ErrInvalidRequest = errors.New("hidraw: invalid request type")
	ErrNotSupported   = errors.New("hidraw: unsupported report type")
	ErrTimeout        = errors.New("hidraw: wait timed out")
	ErrInterrupted    = errors.New("hidraw: wait interrupted")
	ErrShortWrite     = errors.New("hidraw: short write")
	ErrReaderStarted  = errors.New("hidraw: background reader already started")
)
