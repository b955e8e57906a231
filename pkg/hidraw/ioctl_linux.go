//go:build linux

package hidraw

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request encoding, as in include/uapi/asm-generic/ioctl.h.
const (
	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift
}

// hidraw ioctls from include/uapi/linux/hidraw.h.
func hidIOCGRawInfo() uintptr {
	return ioc(iocRead, 'H', 0x03, unsafe.Sizeof(rawDevInfo{}))
}

func hidIOCSFeature(size int) uintptr {
	return ioc(iocRead|iocWrite, 'H', 0x06, uintptr(size))
}

func hidIOCGFeature(size int) uintptr {
	return ioc(iocRead|iocWrite, 'H', 0x07, uintptr(size))
}

// rawDevInfo mirrors struct hidraw_devinfo.
type rawDevInfo struct {
	Bustype uint32
	Vendor  int16
	Product int16
}

func ioctlBytes(fd int, req uintptr, p []byte) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(unsafe.Pointer(&p[0])))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

func ioctlPtr(fd int, req uintptr, p unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(p))
	if errno != 0 {
		return errno
	}
	return nil
}
