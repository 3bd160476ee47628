package device

import (
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"k8s.io/klog/v2"
)

// Identity is the identity a device node reports about itself through
// ioctls. Extraction is best-effort: optional string fields may be empty
// on kernels lacking the corresponding ioctl.
type Identity struct {
	BusType uint16
	Vendor  uint16
	Product uint16
	// Version is only reported by evdev nodes.
	Version uint16
	Name    string
	Phys    string
	Uniq    string
}

// struct input_id from <linux/input.h>.
type inputID struct {
	BusType uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

// struct hidraw_devinfo from <linux/hidraw.h>.
type hidrawDevInfo struct {
	BusType uint32
	Vendor  int16
	Product int16
}

const (
	iocRead      = 2
	iocEvdev     = 'E'
	iocHidraw    = 'H'
	nrEvdevID    = 0x02
	nrEvdevName  = 0x06
	nrEvdevPhys  = 0x07
	nrEvdevUniq  = 0x08
	nrHidrawInfo = 0x03
	nrHidrawName = 0x04
	nrHidrawPhys = 0x05
	nrHidrawUniq = 0x08
)

// ior builds an _IOR ioctl request number.
func ior(typ, nr, size uintptr) uintptr {
	return iocRead<<30 | size<<16 | typ<<8 | nr
}

func ioctlPtr(fd int, req uintptr, p unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(p))
	if errno != 0 {
		return errno
	}
	return nil
}

// ioctlString issues a string-returning ioctl such as EVIOCGNAME. The
// return value of the syscall is the copied length including the NUL;
// failure yields the empty string.
func ioctlString(fd int, typ, nr uintptr) string {
	buf := make([]byte, 256)
	n, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ior(typ, nr, uintptr(len(buf))), uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 || int64(n) <= 0 || int64(n) > int64(len(buf)) {
		return ""
	}
	return strings.TrimRight(string(buf[:n]), "\x00")
}

// FromEvdev extracts the identity of an open evdev node. When the EVIOCGID
// ioctl itself fails the identity is unavailable, which is not an error:
// the node may not be an evdev device at all.
func FromEvdev(fd int) (*Identity, bool) {
	var id inputID
	if err := ioctlPtr(fd, ior(iocEvdev, nrEvdevID, unsafe.Sizeof(id)), unsafe.Pointer(&id)); err != nil {
		klog.V(5).Infof("EVIOCGID failed on fd %d: %v", fd, err)
		return nil, false
	}
	return &Identity{
		BusType: id.BusType,
		Vendor:  id.Vendor,
		Product: id.Product,
		Version: id.Version,
		Name:    ioctlString(fd, iocEvdev, nrEvdevName),
		Phys:    ioctlString(fd, iocEvdev, nrEvdevPhys),
		Uniq:    ioctlString(fd, iocEvdev, nrEvdevUniq),
	}, true
}

// FromRawHID extracts the identity of an open hidraw node. HIDIOCGRAWUNIQ
// is missing on older kernels; its failure just leaves Uniq empty.
func FromRawHID(fd int) (*Identity, bool) {
	var info hidrawDevInfo
	if err := ioctlPtr(fd, ior(iocHidraw, nrHidrawInfo, unsafe.Sizeof(info)), unsafe.Pointer(&info)); err != nil {
		klog.V(5).Infof("HIDIOCGRAWINFO failed on fd %d: %v", fd, err)
		return nil, false
	}
	return &Identity{
		BusType: uint16(info.BusType),
		Vendor:  uint16(info.Vendor),
		Product: uint16(info.Product),
		Name:    ioctlString(fd, iocHidraw, nrHidrawName),
		Phys:    ioctlString(fd, iocHidraw, nrHidrawPhys),
		Uniq:    ioctlString(fd, iocHidraw, nrHidrawUniq),
	}, true
}
