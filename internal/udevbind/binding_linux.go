// Package udevbind loads the system udev library at runtime and resolves
// the symbols the udev discovery backend calls. The library is optional:
// hosts without it (or with a stripped build) degrade to the direct
// backend, so nothing here may assume availability without checking.
package udevbind

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"

	"k8s.io/klog/v2"
)

// Binding is the resolved libudev symbol table. Opaque udev objects are
// carried as uintptr handles; ownership follows the library's rules (a
// parent device is owned by its child and must not be unreffed).
type Binding struct {
	New   func() uintptr
	Unref func(uintptr) uintptr

	DeviceNewFromSyspath                func(uintptr, string) uintptr
	DeviceUnref                         func(uintptr) uintptr
	DeviceGetSyspath                    func(uintptr) string
	DeviceGetDevnode                    func(uintptr) string
	DeviceGetSubsystem                  func(uintptr) string
	DeviceGetDevtype                    func(uintptr) string
	DeviceGetAction                     func(uintptr) string
	DeviceGetSysattrValue               func(uintptr, string) string
	DeviceGetPropertyValue              func(uintptr, string) string
	DeviceGetPropertiesListEntry        func(uintptr) uintptr
	DeviceGetParentWithSubsystemDevtype func(dev uintptr, subsystem string, devtype *byte) uintptr

	ListEntryGetNext  func(uintptr) uintptr
	ListEntryGetName  func(uintptr) string
	ListEntryGetValue func(uintptr) string

	EnumerateNew               func(uintptr) uintptr
	EnumerateUnref             func(uintptr) uintptr
	EnumerateAddMatchSubsystem func(uintptr, string) int32
	EnumerateScanDevices       func(uintptr) int32
	EnumerateGetListEntry      func(uintptr) uintptr

	MonitorNewFromNetlink                 func(uintptr, string) uintptr
	MonitorUnref                          func(uintptr) uintptr
	MonitorFilterAddMatchSubsystemDevtype func(mon uintptr, subsystem string, devtype *byte) int32
	MonitorEnableReceiving                func(uintptr) int32
	MonitorGetFd                          func(uintptr) int32
	MonitorReceiveDevice                  func(uintptr) uintptr
}

// CString builds a NUL-terminated byte pointer for arguments where the
// library distinguishes NULL from the empty string.
func CString(s string) *byte {
	buf := append([]byte(s), 0)
	return &buf[0]
}

// sonames in preference order; .so.0 predates the property API stability
// promise but exposes everything we resolve.
var sonames = []string{"libudev.so.1", "libudev.so.0"}

var (
	mu     sync.Mutex
	loaded *Binding
)

// Load resolves the binding, memoizing success only. A failed attempt is
// reported with a descriptive error and may be retried later.
func Load() (*Binding, error) {
	mu.Lock()
	defer mu.Unlock()
	if loaded != nil {
		return loaded, nil
	}
	b, err := open()
	if err != nil {
		return nil, err
	}
	loaded = b
	return b, nil
}

func open() (*Binding, error) {
	var handle uintptr
	var err error
	for _, name := range sonames {
		handle, err = purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil && handle != 0 {
			klog.V(2).Infof("loaded %s", name)
			break
		}
	}
	if handle == 0 {
		return nil, fmt.Errorf("udevbind: udev library not available: %w", err)
	}

	b := &Binding{}
	symbols := []struct {
		name string
		fptr any
	}{
		{"udev_new", &b.New},
		{"udev_unref", &b.Unref},
		{"udev_device_new_from_syspath", &b.DeviceNewFromSyspath},
		{"udev_device_unref", &b.DeviceUnref},
		{"udev_device_get_syspath", &b.DeviceGetSyspath},
		{"udev_device_get_devnode", &b.DeviceGetDevnode},
		{"udev_device_get_subsystem", &b.DeviceGetSubsystem},
		{"udev_device_get_devtype", &b.DeviceGetDevtype},
		{"udev_device_get_action", &b.DeviceGetAction},
		{"udev_device_get_sysattr_value", &b.DeviceGetSysattrValue},
		{"udev_device_get_property_value", &b.DeviceGetPropertyValue},
		{"udev_device_get_properties_list_entry", &b.DeviceGetPropertiesListEntry},
		{"udev_device_get_parent_with_subsystem_devtype", &b.DeviceGetParentWithSubsystemDevtype},
		{"udev_list_entry_get_next", &b.ListEntryGetNext},
		{"udev_list_entry_get_name", &b.ListEntryGetName},
		{"udev_list_entry_get_value", &b.ListEntryGetValue},
		{"udev_enumerate_new", &b.EnumerateNew},
		{"udev_enumerate_unref", &b.EnumerateUnref},
		{"udev_enumerate_add_match_subsystem", &b.EnumerateAddMatchSubsystem},
		{"udev_enumerate_scan_devices", &b.EnumerateScanDevices},
		{"udev_enumerate_get_list_entry", &b.EnumerateGetListEntry},
		{"udev_monitor_new_from_netlink", &b.MonitorNewFromNetlink},
		{"udev_monitor_unref", &b.MonitorUnref},
		{"udev_monitor_filter_add_match_subsystem_devtype", &b.MonitorFilterAddMatchSubsystemDevtype},
		{"udev_monitor_enable_receiving", &b.MonitorEnableReceiving},
		{"udev_monitor_get_fd", &b.MonitorGetFd},
		{"udev_monitor_receive_device", &b.MonitorReceiveDevice},
	}
	for _, sym := range symbols {
		addr, err := purego.Dlsym(handle, sym.name)
		if err != nil || addr == 0 {
			purego.Dlclose(handle)
			return nil, fmt.Errorf("udevbind: missing symbol %s", sym.name)
		}
		purego.RegisterFunc(sym.fptr, addr)
	}
	return b, nil
}
