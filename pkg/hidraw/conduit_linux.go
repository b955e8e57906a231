//go:build linux

package hidraw

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Open opens the hidraw device node at path read-write, queries its
// identity and wraps it in a Transport. On any failure the node is
// closed again and nothing is retained.
func Open(path string, opts ...Option) (*Transport, error) {
	c, err := openDevice(path)
	if err != nil {
		return nil, err
	}
	return New(c, opts...), nil
}

// deviceConduit is a hidraw character device plus the self-pipe used
// to interrupt a blocked poll.
type deviceConduit struct {
	f    *os.File
	pipe [2]int
	info DevInfo
}

func openDevice(path string) (*deviceConduit, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hidraw: open %s: %w", path, err)
	}

	var raw rawDevInfo
	if err := ioctlPtr(int(f.Fd()), hidIOCGRawInfo(), unsafe.Pointer(&raw)); err != nil {
		f.Close()
		return nil, fmt.Errorf("hidraw: device info %s: %w", path, err)
	}

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_CLOEXEC); err != nil {
		f.Close()
		return nil, fmt.Errorf("hidraw: signal pipe: %w", err)
	}

	return &deviceConduit{
		f:    f,
		pipe: pipe,
		info: DevInfo{
			BusType: raw.Bustype,
			Vendor:  uint16(raw.Vendor),
			Product: uint16(raw.Product),
		},
	}, nil
}

func (c *deviceConduit) Wait(budget time.Duration) error {
	fds := []unix.PollFd{
		{Fd: int32(c.f.Fd()), Events: unix.POLLIN},
		{Fd: int32(c.pipe[0]), Events: unix.POLLIN},
	}
	n, err := unix.Poll(fds, int(budget.Milliseconds()))
	if err != nil {
		return fmt.Errorf("hidraw: poll: %w", err)
	}
	if n == 0 {
		return ErrTimeout
	}
	if fds[1].Revents&unix.POLLIN != 0 {
		var drain [MaxReportSize]byte
		unix.Read(c.pipe[0], drain[:])
		return ErrInterrupted
	}
	return nil
}

func (c *deviceConduit) Interrupt() error {
	_, err := unix.Write(c.pipe[1], []byte{'\n'})
	return err
}

func (c *deviceConduit) Read(p []byte) (int, error) {
	return c.f.Read(p)
}

func (c *deviceConduit) Write(p []byte) (int, error) {
	return c.f.Write(p)
}

func (c *deviceConduit) GetFeatureReport(p []byte) (int, error) {
	return ioctlBytes(int(c.f.Fd()), hidIOCGFeature(len(p)), p)
}

func (c *deviceConduit) SetFeatureReport(p []byte) (int, error) {
	return ioctlBytes(int(c.f.Fd()), hidIOCSFeature(len(p)), p)
}

func (c *deviceConduit) Info() DevInfo {
	return c.info
}

func (c *deviceConduit) Close() error {
	unix.Close(c.pipe[0])
	unix.Close(c.pipe[1])
	return c.f.Close()
}
