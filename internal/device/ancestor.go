package device

import (
	"strconv"
	"strings"

	"github.com/openinput/devmon/internal/sysfs"
)

// HIDAncestor is the closest ancestor in the hid subsystem. Identity comes
// from the HID_ID/HID_NAME/HID_PHYS/HID_UNIQ uevent fields.
type HIDAncestor struct {
	SysPath   string
	Uevent    string
	BusType   uint32
	VendorID  uint32
	ProductID uint32
	Name      string
	Phys      string
	Uniq      string
}

// InputAncestor is the closest generic-input ancestor (the inputN device
// advertising evdev capabilities). Identity comes from the PRODUCT and
// quoted NAME/PHYS/UNIQ uevent fields.
type InputAncestor struct {
	SysPath   string
	Uevent    string
	BusType   uint16
	VendorID  uint16
	ProductID uint16
	Version   uint16
	Name      string
	Phys      string
	Uniq      string
}

// USBDeviceAncestor is the owning USB device (DEVTYPE=usb_device). String
// identity comes from sysfs attribute files, numeric identity from the
// PRODUCT uevent field.
type USBDeviceAncestor struct {
	SysPath       string
	Uevent        string
	VendorID      uint16
	ProductID     uint16
	DeviceVersion uint16
	Manufacturer  string
	Product       string
	Serial        string
}

// ParseHIDID parses a HID_ID uevent value of the form
// <bus>:<vendor>:<product> with exactly three hex fields. Trailing garbage
// after the third field is rejected.
func ParseHIDID(s string) (bus, vendor, product uint32, ok bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, 0, 0, false
	}
	fields := make([]uint32, 3)
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 16, 32)
		if err != nil {
			return 0, 0, 0, false
		}
		fields[i] = uint32(v)
	}
	return fields[0], fields[1], fields[2], true
}

// parseHexFields parses a '/'-separated PRODUCT value into exactly want
// 16-bit hex fields.
func parseHexFields(s string, want int) ([]uint16, bool) {
	parts := strings.Split(s, "/")
	if len(parts) != want {
		return nil, false
	}
	fields := make([]uint16, want)
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 16, 16)
		if err != nil {
			return nil, false
		}
		fields[i] = uint16(v)
	}
	return fields, true
}

// unquote strips the surrounding double quotes the kernel puts around
// input-device NAME/PHYS/UNIQ uevent values.
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// NewHIDAncestor builds a HID ancestor record from its sysfs path and
// already-read uevent text. A malformed or missing HID_ID leaves the
// numeric identity zero; the record itself is still useful.
func NewHIDAncestor(sysPath, uevent string) *HIDAncestor {
	a := &HIDAncestor{SysPath: sysPath, Uevent: uevent}
	if id, ok := sysfs.Field(uevent, "HID_ID"); ok {
		if bus, vendor, product, ok := ParseHIDID(id); ok {
			a.BusType = bus
			a.VendorID = vendor
			a.ProductID = product
		}
	}
	if v, ok := sysfs.Field(uevent, "HID_NAME"); ok {
		a.Name = v
	}
	if v, ok := sysfs.Field(uevent, "HID_PHYS"); ok {
		a.Phys = v
	}
	if v, ok := sysfs.Field(uevent, "HID_UNIQ"); ok {
		a.Uniq = v
	}
	return a
}

// NewInputAncestor builds an input ancestor record from its sysfs path and
// uevent text.
func NewInputAncestor(sysPath, uevent string) *InputAncestor {
	a := &InputAncestor{SysPath: sysPath, Uevent: uevent}
	if v, ok := sysfs.Field(uevent, "PRODUCT"); ok {
		if fields, ok := parseHexFields(v, 4); ok {
			a.BusType = fields[0]
			a.VendorID = fields[1]
			a.ProductID = fields[2]
			a.Version = fields[3]
		}
	}
	if v, ok := sysfs.Field(uevent, "NAME"); ok {
		a.Name = unquote(v)
	}
	if v, ok := sysfs.Field(uevent, "PHYS"); ok {
		a.Phys = unquote(v)
	}
	if v, ok := sysfs.Field(uevent, "UNIQ"); ok {
		a.Uniq = unquote(v)
	}
	return a
}

// AttrFunc reads one sysfs attribute of a device, reporting absence for
// attributes the device does not carry.
type AttrFunc func(name string) (string, bool)

// NewUSBDeviceAncestor builds a USB device ancestor record. attr supplies
// the string attributes; any of them may be absent.
func NewUSBDeviceAncestor(sysPath, uevent string, attr AttrFunc) *USBDeviceAncestor {
	a := &USBDeviceAncestor{SysPath: sysPath, Uevent: uevent}
	if v, ok := sysfs.Field(uevent, "PRODUCT"); ok {
		if fields, ok := parseHexFields(v, 3); ok {
			a.VendorID = fields[0]
			a.ProductID = fields[1]
			a.DeviceVersion = fields[2]
		}
	}
	if attr == nil {
		return a
	}
	if v, ok := attr("manufacturer"); ok {
		a.Manufacturer = v
	}
	if v, ok := attr("product"); ok {
		a.Product = v
	}
	if v, ok := attr("serial"); ok {
		a.Serial = v
	}
	return a
}
