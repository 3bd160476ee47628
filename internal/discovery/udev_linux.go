package discovery

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"k8s.io/klog/v2"

	"github.com/openinput/devmon/internal/device"
	"github.com/openinput/devmon/internal/udevbind"
)

// udevBackend delegates enumeration and hotplug notification to the system
// udev library through the runtime binding. The library enumerates by
// subsystem, which is coarser than the node contract, so device basenames
// are re-checked against the same pattern the direct backend uses.
type udevBackend struct {
	lib  *udevbind.Binding
	udev uintptr

	mon     uintptr
	subs    Subsystems
	changes chan Change
	done    chan struct{}
	wake    [2]int
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewUdev(lib *udevbind.Binding) (Backend, error) {
	ctx := lib.New()
	if ctx == 0 {
		return nil, errors.New("udev: udev_new failed")
	}
	return &udevBackend{lib: lib, udev: ctx}, nil
}

func (b *udevBackend) Name() string {
	return "udev"
}

func (b *udevBackend) Enumerate(subs Subsystems, emit func(*device.Device)) error {
	enum := b.lib.EnumerateNew(b.udev)
	if enum == 0 {
		return errors.New("udev: udev_enumerate_new failed")
	}
	defer b.lib.EnumerateUnref(enum)

	if subs.Evdev {
		b.lib.EnumerateAddMatchSubsystem(enum, "input")
	}
	if subs.Hidraw {
		b.lib.EnumerateAddMatchSubsystem(enum, "hidraw")
	}
	if rc := b.lib.EnumerateScanDevices(enum); rc < 0 {
		return fmt.Errorf("udev: scan_devices failed: %d", rc)
	}

	match := subsystemFilter(subs)
	for entry := b.lib.EnumerateGetListEntry(enum); entry != 0; entry = b.lib.ListEntryGetNext(entry) {
		syspath := b.lib.ListEntryGetName(entry)
		dev := b.lib.DeviceNewFromSyspath(b.udev, syspath)
		if dev == 0 {
			continue
		}
		if d := b.build(dev); d != nil && match(d) {
			emit(d)
		}
		b.lib.DeviceUnref(dev)
	}
	return nil
}

// build converts one udev device handle, returning nil for handles that do
// not describe a usable input endpoint: both syspath and devnode must be
// present and the basename must look like an event or hidraw node.
func (b *udevBackend) build(dev uintptr) *device.Device {
	syspath := b.lib.DeviceGetSyspath(dev)
	devnode := b.lib.DeviceGetDevnode(dev)
	if syspath == "" || devnode == "" {
		return nil
	}
	subsystem, ok := device.NodeSubsystem(filepath.Base(syspath))
	if !ok {
		return nil
	}

	d := &device.Device{
		DevNode:   devnode,
		SysPath:   syspath,
		Subsystem: subsystem,
		Uevent:    b.lib.DeviceGetSysattrValue(dev, "uevent"),
	}
	for entry := b.lib.DeviceGetPropertiesListEntry(dev); entry != 0; entry = b.lib.ListEntryGetNext(entry) {
		d.Properties = append(d.Properties, device.Property{
			Name:  b.lib.ListEntryGetName(entry),
			Value: b.lib.ListEntryGetValue(entry),
		})
	}

	// parent handles are owned by the child device and must not be unreffed
	if parent := b.lib.DeviceGetParentWithSubsystemDevtype(dev, "hid", nil); parent != 0 {
		d.HID = device.NewHIDAncestor(
			b.lib.DeviceGetSyspath(parent),
			b.lib.DeviceGetSysattrValue(parent, "uevent"),
		)
	}
	if parent := b.lib.DeviceGetParentWithSubsystemDevtype(dev, "input", nil); parent != 0 {
		d.Input = device.NewInputAncestor(
			b.lib.DeviceGetSyspath(parent),
			b.lib.DeviceGetSysattrValue(parent, "uevent"),
		)
	}
	if parent := b.lib.DeviceGetParentWithSubsystemDevtype(dev, "usb", udevbind.CString("usb_device")); parent != 0 {
		d.USB = device.NewUSBDeviceAncestor(
			b.lib.DeviceGetSyspath(parent),
			b.lib.DeviceGetSysattrValue(parent, "uevent"),
			func(name string) (string, bool) {
				v := b.lib.DeviceGetSysattrValue(parent, name)
				return v, v != ""
			},
		)
	}
	return d
}

func (b *udevBackend) Watch(subs Subsystems) error {
	mon := b.lib.MonitorNewFromNetlink(b.udev, "udev")
	if mon == 0 {
		return errors.New("udev: cannot create netlink monitor")
	}
	if subs.Evdev {
		b.lib.MonitorFilterAddMatchSubsystemDevtype(mon, "input", nil)
	}
	if subs.Hidraw {
		b.lib.MonitorFilterAddMatchSubsystemDevtype(mon, "hidraw", nil)
	}
	if rc := b.lib.MonitorEnableReceiving(mon); rc < 0 {
		b.lib.MonitorUnref(mon)
		return fmt.Errorf("udev: enable_receiving failed: %d", rc)
	}
	fd := b.lib.MonitorGetFd(mon)
	if fd < 0 {
		b.lib.MonitorUnref(mon)
		return fmt.Errorf("udev: monitor has no fd: %d", fd)
	}
	if err := unix.Pipe2(b.wake[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		b.lib.MonitorUnref(mon)
		return fmt.Errorf("udev: cannot create wakeup pipe: %w", err)
	}

	b.mon = mon
	b.subs = subs
	b.changes = make(chan Change, 16)
	b.done = make(chan struct{})
	b.wg.Add(1)
	go b.watchLoop(fd)
	return nil
}

func (b *udevBackend) Changes() <-chan Change {
	return b.changes
}

func (b *udevBackend) send(c Change) bool {
	select {
	case b.changes <- c:
		return true
	case <-b.done:
		return false
	}
}

func (b *udevBackend) watchLoop(fd int32) {
	defer b.wg.Done()
	match := subsystemFilter(b.subs)
	fds := []unix.PollFd{
		{Fd: fd, Events: unix.POLLIN},
		{Fd: int32(b.wake[0]), Events: unix.POLLIN},
	}
	for {
		fds[0].Revents = 0
		fds[1].Revents = 0
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			b.send(Change{Err: fmt.Errorf("udev: poll failed: %w", err)})
			return
		}
		if fds[1].Revents != 0 {
			return
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}
		dev := b.lib.MonitorReceiveDevice(b.mon)
		if dev == 0 {
			continue
		}
		ok := b.handleDevice(dev, match)
		b.lib.DeviceUnref(dev)
		if !ok {
			return
		}
	}
}

func (b *udevBackend) handleDevice(dev uintptr, match func(*device.Device) bool) bool {
	action := b.lib.DeviceGetAction(dev)
	klog.V(5).Infof("udev: %s event for %s", action, b.lib.DeviceGetSyspath(dev))
	switch action {
	case "add", "change", "bind":
		// change/bind re-deliveries for tracked devices dedupe in the monitor
		if d := b.build(dev); d != nil && match(d) {
			return b.send(Change{Op: ChangeAdd, Device: d})
		}
	case "remove":
		syspath := b.lib.DeviceGetSyspath(dev)
		devnode := b.lib.DeviceGetDevnode(dev)
		if syspath == "" {
			// still worth releasing whatever we track under the node path
			klog.Warningf("udev: remove event without syspath (node %q)", devnode)
		}
		if syspath == "" && devnode == "" {
			return true
		}
		return b.send(Change{Op: ChangeRemove, Ref: device.Ref{DevNode: devnode, SysPath: syspath}})
	}
	return true
}

func (b *udevBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.mon != 0 {
		close(b.done)
		unix.Write(b.wake[1], []byte{0})
		b.wg.Wait()
		b.lib.MonitorUnref(b.mon)
		b.mon = 0
		unix.Close(b.wake[0])
		unix.Close(b.wake[1])
	}
	if b.udev != 0 {
		b.lib.Unref(b.udev)
		b.udev = 0
	}
}
