// Package discovery finds input devices (evdev and hidraw nodes) and
// streams their lifecycle to subscribers. Three backends implement one
// contract: direct /dev scanning with inotify, the system udev library
// over netlink, and a mock driven by a simulation directory.
package discovery

import (
	"github.com/openinput/devmon/internal/device"
	"github.com/openinput/devmon/internal/mux"
)

// Subsystems selects which node families a monitor discovers.
type Subsystems struct {
	Evdev  bool
	Hidraw bool
}

func (s Subsystems) Any() bool {
	return s.Evdev || s.Hidraw
}

// Event is one entry of a monitor's ordered stream: the enumeration
// baseline as Added events, exactly one AllForNow, then live Added and
// Removed interleavings until the monitor stops.
type Event interface {
	eventSealed()
}

type Added struct {
	Device *device.Device
}

func (Added) eventSealed() {}

// Removed carries only enough of the device to identify it.
type Removed struct {
	Ref device.Ref
}

func (Removed) eventSealed() {}

type AllForNow struct{}

func (AllForNow) eventSealed() {}

type ChangeOp int

const (
	ChangeAdd ChangeOp = iota
	ChangeRemove
)

// Change is one raw live-change notification from a backend. A non-nil
// Err marks a kernel protocol violation that is fatal to the owning
// monitor.
type Change struct {
	Op     ChangeOp
	Device *device.Device // ChangeAdd
	Ref    device.Ref     // ChangeRemove
	Err    error
}

// Backend owns the OS resources of one discovery strategy. Implementations
// report per-device failures by silently dropping the device; only
// whole-pass faults surface as errors.
type Backend interface {
	Name() string
	// Watch establishes the live-change source. Monitors call it before
	// Enumerate so no live change can race ahead of the baseline.
	Watch(subs Subsystems) error
	// Enumerate performs one pass, invoking emit for every device it can
	// fully discover.
	Enumerate(subs Subsystems, emit func(*device.Device)) error
	// Changes is nil until Watch succeeds.
	Changes() <-chan Change
	// Close releases all backend resources. Idempotent.
	Close()
}

func isSubsystem(subsystem device.Subsystem) mux.FilterFunc[*device.Device] {
	return func(d *device.Device) bool {
		return d.Subsystem == subsystem
	}
}

func subsystemFilter(subs Subsystems) mux.FilterFunc[*device.Device] {
	var filters []mux.FilterFunc[*device.Device]
	if subs.Evdev {
		filters = append(filters, isSubsystem(device.SubsystemInput))
	}
	if subs.Hidraw {
		filters = append(filters, isSubsystem(device.SubsystemHidraw))
	}
	return mux.Or(filters...)
}
