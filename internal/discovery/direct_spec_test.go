package discovery_test

import (
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/openinput/devmon/internal/device"
	"github.com/openinput/devmon/internal/discovery"
	"github.com/openinput/devmon/internal/mux"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func mkdirAll(path string) {
	GinkgoHelper()
	Expect(os.MkdirAll(path, 0o755)).To(Succeed())
}

func writeFile(path, content string) {
	GinkgoHelper()
	mkdirAll(filepath.Dir(path))
	Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
}

func symlink(target, link string) {
	GinkgoHelper()
	mkdirAll(filepath.Dir(link))
	Expect(os.Symlink(target, link)).To(Succeed())
}

// fakeRoots is a miniature /dev plus /sys holding one USB mouse that
// exposes both an evdev and a hidraw node.
type fakeRoots struct {
	devRoot   string
	sysRoot   string
	usbDevice string
	hidDevice string
	inputDev  string
	eventDev  string
	hidrawDev string
}

func makeRoots(tmp string) fakeRoots {
	r := fakeRoots{
		devRoot: filepath.Join(tmp, "dev"),
		sysRoot: filepath.Join(tmp, "sys"),
	}

	r.usbDevice = filepath.Join(r.sysRoot, "devices/pci0000:00/0000:00:14.0/usb1/1-1")
	iface := filepath.Join(r.usbDevice, "1-1:1.0")
	r.hidDevice = filepath.Join(iface, "0003:046D:C52B.0006")
	r.inputDev = filepath.Join(r.hidDevice, "input/input5")
	r.eventDev = filepath.Join(r.inputDev, "event3")
	r.hidrawDev = filepath.Join(r.hidDevice, "hidraw/hidraw0")
	mkdirAll(r.eventDev)
	mkdirAll(r.hidrawDev)

	writeFile(filepath.Join(r.usbDevice, "uevent"),
		"MAJOR=189\nMINOR=1\nDEVNAME=bus/usb/001/002\nDEVTYPE=usb_device\nDRIVER=usb\nPRODUCT=46d/c52b/1201\n")
	writeFile(filepath.Join(r.usbDevice, "manufacturer"), "Example Corp\n")
	writeFile(filepath.Join(r.usbDevice, "product"), "Example Mouse\n")
	writeFile(filepath.Join(r.usbDevice, "serial"), "0123-4567\n")
	writeFile(filepath.Join(iface, "uevent"),
		"DEVTYPE=usb_interface\nDRIVER=usbhid\nINTERFACE=3/1/2\n")
	writeFile(filepath.Join(r.hidDevice, "uevent"),
		"DRIVER=hid-generic\nHID_ID=0003:0000046D:0000C52B\nHID_NAME=Example Mouse\nHID_PHYS=usb-0000:00:14.0-1/input0\nHID_UNIQ=\n")
	writeFile(filepath.Join(r.inputDev, "uevent"),
		"PRODUCT=3/46d/c52b/111\nNAME=\"Example Mouse\"\nPROP=0\nEV=17\n")
	writeFile(filepath.Join(r.inputDev, "capabilities/ev"), "17\n")
	writeFile(filepath.Join(r.eventDev, "uevent"),
		"MAJOR=13\nMINOR=67\nDEVNAME=input/event3\n")
	writeFile(filepath.Join(r.hidrawDev, "uevent"),
		"MAJOR=240\nMINOR=0\nDEVNAME=hidraw0\n")

	symlink("../../../../../../../class/input", filepath.Join(r.eventDev, "subsystem"))
	symlink("../../../../../../class/input", filepath.Join(r.inputDev, "subsystem"))
	symlink("../../../../../bus/hid", filepath.Join(r.hidDevice, "subsystem"))
	symlink("../../../../bus/usb", filepath.Join(iface, "subsystem"))
	symlink("../../../bus/usb", filepath.Join(r.usbDevice, "subsystem"))

	symlink(r.eventDev, filepath.Join(r.sysRoot, "class/input/event3"))
	symlink(r.hidrawDev, filepath.Join(r.sysRoot, "class/hidraw/hidraw0"))

	writeFile(filepath.Join(r.devRoot, "input/event3"), "")
	writeFile(filepath.Join(r.devRoot, "hidraw0"), "")

	return r
}

// addNode simulates a hotplug: the sysfs entry appears, then the node.
func (r fakeRoots) addNode(base string) string {
	GinkgoHelper()
	sysDev := filepath.Join(r.inputDev, base)
	writeFile(filepath.Join(sysDev, "uevent"), "MAJOR=13\nMINOR=68\nDEVNAME=input/"+base+"\n")
	symlink(sysDev, filepath.Join(r.sysRoot, "class/input", base))
	node := filepath.Join(r.devRoot, "input", base)
	writeFile(node, "")
	return node
}

var _ = Describe("Direct backend", func() {
	var roots fakeRoots
	var backend discovery.Backend

	BeforeEach(func() {
		roots = makeRoots(GinkgoT().TempDir())
		backend = discovery.NewDirect(
			discovery.WithDevRoot(roots.devRoot),
			discovery.WithSysRoot(roots.sysRoot),
		)
	})

	AfterEach(func() {
		backend.Close()
	})

	enumerate := func(subs discovery.Subsystems) map[string]*device.Device {
		GinkgoHelper()
		found := map[string]*device.Device{}
		Expect(backend.Enumerate(subs, func(d *device.Device) {
			found[d.DevNode] = d
		})).To(Succeed())
		return found
	}

	Describe("Enumerate", func() {
		It("should discover both node families with their sysfs ancestry", func() {
			found := enumerate(discovery.Subsystems{Evdev: true, Hidraw: true})
			Expect(found).To(HaveLen(2))

			ev := found[filepath.Join(roots.devRoot, "input/event3")]
			Expect(ev).NotTo(BeNil())
			Expect(ev.Subsystem).To(Equal(device.SubsystemInput))
			Expect(ev.SysPath).To(Equal(roots.eventDev))
			Expect(ev.Uevent).To(ContainSubstring("DEVNAME=input/event3"))

			Expect(ev.HID).NotTo(BeNil())
			Expect(ev.HID.SysPath).To(Equal(roots.hidDevice))
			Expect(ev.HID.VendorID).To(Equal(uint32(0x046D)))
			Expect(ev.HID.ProductID).To(Equal(uint32(0xC52B)))
			Expect(ev.HID.Name).To(Equal("Example Mouse"))

			Expect(ev.Input).NotTo(BeNil())
			Expect(ev.Input.SysPath).To(Equal(roots.inputDev))
			Expect(ev.Input.VendorID).To(Equal(uint16(0x046D)))
			Expect(ev.Input.ProductID).To(Equal(uint16(0xC52B)))

			Expect(ev.USB).NotTo(BeNil())
			Expect(ev.USB.SysPath).To(Equal(roots.usbDevice))
			Expect(ev.USB.Manufacturer).To(Equal("Example Corp"))
			Expect(ev.USB.Serial).To(Equal("0123-4567"))

			raw := found[filepath.Join(roots.devRoot, "hidraw0")]
			Expect(raw).NotTo(BeNil())
			Expect(raw.Subsystem).To(Equal(device.SubsystemHidraw))
			Expect(raw.SysPath).To(Equal(roots.hidrawDev))
			Expect(raw.HID).NotTo(BeNil())
		})

		It("should honor the subsystem selection", func() {
			found := enumerate(discovery.Subsystems{Hidraw: true})
			Expect(found).To(HaveLen(1))
			Expect(found).To(HaveKey(filepath.Join(roots.devRoot, "hidraw0")))
		})

		It("should skip nodes that do not match the naming pattern", func() {
			writeFile(filepath.Join(roots.devRoot, "input/js0"), "")
			writeFile(filepath.Join(roots.devRoot, "input/event1x"), "")
			writeFile(filepath.Join(roots.devRoot, "mouse0"), "")
			found := enumerate(discovery.Subsystems{Evdev: true, Hidraw: true})
			Expect(found).To(HaveLen(2))
		})

		It("should drop nodes without a sysfs class entry", func() {
			writeFile(filepath.Join(roots.devRoot, "input/event8"), "")
			found := enumerate(discovery.Subsystems{Evdev: true})
			Expect(found).To(HaveLen(1))
		})

		It("should succeed on a device root with no matching directories", func() {
			b := discovery.NewDirect(
				discovery.WithDevRoot(filepath.Join(roots.devRoot, "nope")),
				discovery.WithSysRoot(roots.sysRoot),
			)
			defer b.Close()
			Expect(b.Enumerate(discovery.Subsystems{Evdev: true, Hidraw: true},
				func(*device.Device) { Fail("unexpected device") })).To(Succeed())
		})
	})

	Describe("Watch", func() {
		It("should report node creation and removal", func() {
			Expect(backend.Watch(discovery.Subsystems{Evdev: true})).To(Succeed())

			node := roots.addNode("event4")

			var c discovery.Change
			Eventually(backend.Changes()).Should(Receive(&c))
			Expect(c.Err).NotTo(HaveOccurred())
			Expect(c.Op).To(Equal(discovery.ChangeAdd))
			Expect(c.Device.DevNode).To(Equal(node))
			Expect(c.Device.Input).NotTo(BeNil())

			Expect(os.Remove(node)).To(Succeed())
			Eventually(backend.Changes()).Should(Receive(&c))
			Expect(c.Op).To(Equal(discovery.ChangeRemove))
			Expect(c.Ref).To(Equal(device.Ref{DevNode: node}))
		})

		It("should ignore unrelated files", func() {
			Expect(backend.Watch(discovery.Subsystems{Evdev: true})).To(Succeed())
			writeFile(filepath.Join(roots.devRoot, "input/js1"), "")
			Consistently(backend.Changes()).ShouldNot(Receive())
		})

		It("should retry a node that was unreadable at enumeration time", func() {
			var denied atomic.Bool
			denied.Store(true)
			backend.Close()
			backend = discovery.NewDirect(
				discovery.WithDevRoot(roots.devRoot),
				discovery.WithSysRoot(roots.sysRoot),
				discovery.WithOpenFunc(func(path string) (int, error) {
					if denied.Load() {
						return -1, unix.EACCES
					}
					return unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
				}),
			)

			Expect(backend.Watch(discovery.Subsystems{Evdev: true})).To(Succeed())
			Expect(backend.Enumerate(discovery.Subsystems{Evdev: true},
				func(*device.Device) { Fail("node should not be readable yet") })).To(Succeed())

			// permissions settle later, as when udev fixes up the node
			denied.Store(false)
			node := filepath.Join(roots.devRoot, "input/event3")
			Expect(os.Chmod(node, 0o600)).To(Succeed())

			var c discovery.Change
			Eventually(backend.Changes()).Should(Receive(&c))
			Expect(c.Op).To(Equal(discovery.ChangeAdd))
			Expect(c.Device.DevNode).To(Equal(node))
		})
	})

	Describe("Close", func() {
		It("should be idempotent", func() {
			Expect(backend.Watch(discovery.Subsystems{Evdev: true, Hidraw: true})).To(Succeed())
			backend.Close()
			backend.Close()
		})

		It("should be safe before Watch", func() {
			backend.Close()
		})
	})

	Describe("through a monitor", func() {
		It("should deliver the full session over the fake tree", func() {
			monitor := discovery.NewMonitor(backend, 0)
			defer monitor.Stop()
			monitor.RequestEvdev()
			monitor.RequestRawHID()
			events := make(chan discovery.Event, 32)
			monitor.Subscribe(mux.SinkFromChan(events))
			Expect(monitor.Start()).To(Succeed())

			var ev discovery.Event
			Eventually(events).Should(Receive(&ev))
			first, ok := ev.(discovery.Added)
			Expect(ok).To(BeTrue())
			Expect(first.Device.Subsystem).To(Equal(device.SubsystemHidraw))

			Eventually(events).Should(Receive(&ev))
			second, ok := ev.(discovery.Added)
			Expect(ok).To(BeTrue())
			Expect(second.Device.Subsystem).To(Equal(device.SubsystemInput))

			Eventually(events).Should(Receive(Equal(discovery.Event(discovery.AllForNow{}))))

			// removal resolves the sysfs path through the registry
			Expect(os.Remove(filepath.Join(roots.devRoot, "input/event3"))).To(Succeed())
			Eventually(events).Should(Receive(&ev))
			removed, ok := ev.(discovery.Removed)
			Expect(ok).To(BeTrue())
			Expect(removed.Ref.DevNode).To(Equal(filepath.Join(roots.devRoot, "input/event3")))
			Expect(removed.Ref.SysPath).To(Equal(roots.eventDev))
		})
	})
})
