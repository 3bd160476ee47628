package discovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"k8s.io/klog/v2"

	"github.com/openinput/devmon/internal/device"
	"github.com/openinput/devmon/internal/inotify"
	"github.com/openinput/devmon/internal/sysfs"
)

const directWatchMask = inotify.Create | inotify.MovedTo | inotify.Attrib |
	inotify.Delete | inotify.MovedFrom

// directBackend scans /dev and /dev/input itself and watches both
// directories with inotify. It needs no daemon and no extra library,
// which makes it the fallback inside sandboxes that mask udev.
type directBackend struct {
	devRoot  string
	sysRoot  string
	resolver *sysfs.Resolver
	open     func(path string) (int, error)

	watcher  *inotify.Watcher
	wdSubsys map[int32]device.Subsystem
	changes  chan Change
	done     chan struct{}
	wake     [2]int
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type DirectOption func(*directBackend)

// WithDevRoot redirects the device-node root, normally /dev.
func WithDevRoot(root string) DirectOption {
	return func(b *directBackend) { b.devRoot = root }
}

// WithSysRoot redirects the sysfs root, normally /sys.
func WithSysRoot(root string) DirectOption {
	return func(b *directBackend) { b.sysRoot = root }
}

// WithOpenFunc overrides how device nodes are opened.
func WithOpenFunc(open func(path string) (int, error)) DirectOption {
	return func(b *directBackend) { b.open = open }
}

func openNode(path string) (int, error) {
	return unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC|unix.O_NOCTTY, 0)
}

func NewDirect(opts ...DirectOption) Backend {
	b := &directBackend{
		devRoot: "/dev",
		sysRoot: "/sys",
		open:    openNode,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.resolver = &sysfs.Resolver{Root: b.sysRoot}
	return b
}

func (b *directBackend) Name() string {
	return "direct"
}

func (b *directBackend) dirFor(subsystem device.Subsystem) string {
	if subsystem == device.SubsystemInput {
		return filepath.Join(b.devRoot, "input")
	}
	return b.devRoot
}

func (b *directBackend) Enumerate(subs Subsystems, emit func(*device.Device)) error {
	var errs error
	if subs.Hidraw {
		errs = errors.Join(errs, b.scan(device.SubsystemHidraw, emit))
	}
	if subs.Evdev {
		errs = errors.Join(errs, b.scan(device.SubsystemInput, emit))
	}
	return errs
}

func (b *directBackend) scan(subsystem device.Subsystem, emit func(*device.Device)) error {
	dir := b.dirFor(subsystem)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("direct: cannot list %s: %w", dir, err)
	}
	for _, entry := range entries {
		if !device.MatchesNode(entry.Name(), subsystem) {
			continue
		}
		if d := b.probe(filepath.Join(dir, entry.Name()), subsystem); d != nil {
			emit(d)
		}
	}
	return nil
}

// probe attempts one device node. Any failure drops the node silently; a
// node we cannot open yet (typically EACCES before udev fixes permissions)
// is rediscovered on a later attribute event.
func (b *directBackend) probe(path string, subsystem device.Subsystem) *device.Device {
	fd, err := b.open(path)
	if err != nil {
		klog.V(4).Infof("direct: cannot open %s yet: %v", path, err)
		return nil
	}
	var ident *device.Identity
	if subsystem == device.SubsystemInput {
		ident, _ = device.FromEvdev(fd)
	} else {
		ident, _ = device.FromRawHID(fd)
	}
	unix.Close(fd)

	classLink := filepath.Join(b.sysRoot, "class", string(subsystem), filepath.Base(path))
	sysPath, err := filepath.EvalSymlinks(classLink)
	if err != nil {
		klog.V(2).Infof("direct: no sysfs entry for %s: %v", path, err)
		return nil
	}

	d := &device.Device{
		DevNode:   path,
		SysPath:   sysPath,
		Subsystem: subsystem,
		Identity:  ident,
	}
	if text, ok := sysfs.ReadUevent(sysPath); ok {
		d.Uevent = text
	}
	b.resolveAncestors(d)
	return d
}

func (b *directBackend) resolveAncestors(d *device.Device) {
	if path, uevent, ok := b.resolver.FindAncestorWithSubsystemDevtype(d.SysPath, "hid", ""); ok {
		d.HID = device.NewHIDAncestor(path, uevent)
	}
	if path, ok := b.resolver.FindInputAncestor(d.SysPath); ok {
		uevent, _ := sysfs.ReadUevent(path)
		d.Input = device.NewInputAncestor(path, uevent)
	}
	if path, uevent, ok := b.resolver.FindAncestorWithSubsystemDevtype(d.SysPath, "usb", "usb_device"); ok {
		d.USB = device.NewUSBDeviceAncestor(path, uevent, func(name string) (string, bool) {
			return sysfs.ReadAttr(path, name)
		})
	}
}

func (b *directBackend) Watch(subs Subsystems) error {
	w, err := inotify.NewWatcher()
	if err != nil {
		return err
	}
	wdSubsys := make(map[int32]device.Subsystem, 2)
	if subs.Hidraw {
		wd, err := w.AddWatch(b.dirFor(device.SubsystemHidraw), directWatchMask)
		if err != nil {
			w.Close()
			return err
		}
		wdSubsys[wd] = device.SubsystemHidraw
	}
	if subs.Evdev {
		wd, err := w.AddWatch(b.dirFor(device.SubsystemInput), directWatchMask)
		if err != nil {
			w.Close()
			return err
		}
		wdSubsys[wd] = device.SubsystemInput
	}
	if err := unix.Pipe2(b.wake[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		w.Close()
		return fmt.Errorf("direct: cannot create wakeup pipe: %w", err)
	}

	b.watcher = w
	b.wdSubsys = wdSubsys
	b.changes = make(chan Change, 16)
	b.done = make(chan struct{})
	b.wg.Add(1)
	go b.watchLoop()
	return nil
}

func (b *directBackend) Changes() <-chan Change {
	return b.changes
}

func (b *directBackend) send(c Change) bool {
	select {
	case b.changes <- c:
		return true
	case <-b.done:
		return false
	}
}

func (b *directBackend) watchLoop() {
	defer b.wg.Done()
	fds := []unix.PollFd{
		{Fd: int32(b.watcher.Fd()), Events: unix.POLLIN},
		{Fd: int32(b.wake[0]), Events: unix.POLLIN},
	}
	for {
		fds[0].Revents = 0
		fds[1].Revents = 0
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			b.send(Change{Err: fmt.Errorf("direct: poll failed: %w", err)})
			return
		}
		if fds[1].Revents != 0 {
			return
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}
		events, err := b.watcher.Events()
		for _, ev := range events {
			if !b.handleEvent(ev) {
				return
			}
		}
		if err != nil {
			// a truncated record is a kernel protocol violation, fatal
			// to the owning monitor
			b.send(Change{Err: err})
			return
		}
	}
}

func (b *directBackend) handleEvent(ev inotify.Event) bool {
	subsystem, ok := b.wdSubsys[ev.WD]
	if !ok {
		return true
	}
	if !device.MatchesNode(ev.Name, subsystem) {
		return true
	}
	path := filepath.Join(b.dirFor(subsystem), ev.Name)
	switch {
	case ev.Mask&(inotify.Create|inotify.MovedTo|inotify.Attrib) != 0:
		if d := b.probe(path, subsystem); d != nil {
			return b.send(Change{Op: ChangeAdd, Device: d})
		}
	case ev.Mask&(inotify.Delete|inotify.MovedFrom) != 0:
		return b.send(Change{Op: ChangeRemove, Ref: device.Ref{DevNode: path}})
	}
	return true
}

func (b *directBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.watcher == nil {
		return
	}
	close(b.done)
	unix.Write(b.wake[1], []byte{0})
	b.wg.Wait()
	b.watcher.Close()
	unix.Close(b.wake[0])
	unix.Close(b.wake[1])
}
