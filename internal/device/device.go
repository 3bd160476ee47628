// Package device models one discovered input endpoint: its device node,
// its sysfs directory and the ancestor chain that carries vendor/product
// identity.
package device

import "fmt"

type Subsystem string

const (
	SubsystemInput  Subsystem = "input"
	SubsystemHidraw Subsystem = "hidraw"
)

// Property is one udev KEY=value pair. Only the udev backend fills these.
type Property struct {
	Name  string
	Value string
}

// Device is immutable once constructed; a changed device is modeled as
// remove followed by add.
type Device struct {
	// DevNode is the device file path, e.g. /dev/input/event3. It can be
	// transiently absent.
	DevNode string
	// SysPath is the canonical sysfs directory. Where present it is the
	// registry key within one Monitor.
	SysPath   string
	Subsystem Subsystem
	// Uevent holds the raw KEY=value lines of the device itself.
	Uevent string
	// Properties is the udev property list; nil for other backends.
	Properties []Property
	// Identity is the ioctl-reported identity of the opened node, when the
	// node could be opened and the id ioctl succeeded.
	Identity *Identity

	HID   *HIDAncestor
	Input *InputAncestor
	USB   *USBDeviceAncestor
}

// Key is the registry key for this device: the sysfs path when known,
// otherwise the device node (mock devices have no sysfs presence).
func (d *Device) Key() string {
	if d.SysPath != "" {
		return d.SysPath
	}
	return d.DevNode
}

// Ref identifies a device without carrying its full record. Removal events
// carry only a Ref.
type Ref struct {
	DevNode string
	SysPath string
}

func (d *Device) Ref() Ref {
	return Ref{DevNode: d.DevNode, SysPath: d.SysPath}
}

func (d *Device) String() string {
	return fmt.Sprintf("Device[Node=%s, SysPath=%s, Subsystem=%s, HID=%v, Input=%v, USB=%v]",
		d.DevNode, d.SysPath, d.Subsystem, d.HID != nil, d.Input != nil, d.USB != nil)
}
