package discovery_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/openinput/devmon/internal/discovery"
	"github.com/openinput/devmon/internal/mux"
	"github.com/openinput/devmon/internal/udevbind"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Factory", func() {
	noUdev := func() (*udevbind.Binding, error) {
		return nil, errors.New("libudev.so.1: cannot open shared object file")
	}
	notSandboxed := func() bool { return false }

	It("should fall back to the direct backend when the udev library is missing", func() {
		monitor, err := discovery.New(discovery.Options{
			LoadUdev: noUdev,
			Sandbox:  notSandboxed,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(monitor.Backend().Name()).To(Equal("direct"))
	})

	It("should still reach the baseline after falling back", func() {
		monitor, err := discovery.New(discovery.Options{
			Flags:    discovery.Once,
			LoadUdev: noUdev,
			Sandbox:  notSandboxed,
		})
		Expect(err).NotTo(HaveOccurred())
		monitor.RequestEvdev()
		events := make(chan discovery.Event, 64)
		monitor.Subscribe(mux.SinkFromChan(events))
		Expect(monitor.Start()).To(Succeed())

		sawAllForNow := false
		for ev := range events {
			if _, ok := ev.(discovery.AllForNow); ok {
				sawAllForNow = true
			}
		}
		Expect(sawAllForNow).To(BeTrue())
		Eventually(monitor.State).Should(Equal(discovery.Stopped))
	})

	It("should prefer the direct backend inside a sandbox without touching udev", func() {
		var loaded atomic.Bool
		monitor, err := discovery.New(discovery.Options{
			LoadUdev: func() (*udevbind.Binding, error) {
				loaded.Store(true)
				return nil, errors.New("must not be called")
			},
			Sandbox: func() bool { return true },
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(monitor.Backend().Name()).To(Equal("direct"))
		Expect(loaded.Load()).To(BeFalse())
	})

	It("should fail when udev is explicitly requested but unavailable", func() {
		_, err := discovery.New(discovery.Options{
			Flags:    discovery.PreferUdev,
			LoadUdev: noUdev,
			Sandbox:  notSandboxed,
		})
		Expect(err).To(MatchError(ContainSubstring("udev backend requested")))
	})

	It("should honor an explicit direct preference outside any sandbox", func() {
		monitor, err := discovery.New(discovery.Options{
			Flags:    discovery.PreferDirect,
			LoadUdev: noUdev,
			Sandbox:  notSandboxed,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(monitor.Backend().Name()).To(Equal("direct"))
	})

	It("should select the mock backend when a simulation root is given", func() {
		monitor, err := discovery.New(discovery.Options{
			MockRoot: GinkgoT().TempDir(),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(monitor.Backend().Name()).To(Equal("mock"))
	})

	It("should materialize the scenario into the simulation root", func() {
		root := GinkgoT().TempDir()
		monitor, err := discovery.New(discovery.Options{
			MockRoot: root,
			Scenario: &discovery.Scenario{Devices: []discovery.ScenarioDevice{
				{Name: "Example Pad", Node: "hidraw0", Subsystem: "hidraw", Vendor: 0x28DE, Product: 0x1205},
			}},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(monitor.Backend().Name()).To(Equal("mock"))
		Expect(filepath.Join(root, "hidraw0")).To(BeARegularFile())
	})
})

var _ = Describe("SandboxProbeFromMarkers", func() {
	It("should fire when a marker exists", func() {
		tmp := GinkgoT().TempDir()
		marker := filepath.Join(tmp, "container-manager")
		Expect(os.WriteFile(marker, nil, 0o644)).To(Succeed())
		Expect(discovery.SandboxProbeFromMarkers([]string{marker})()).To(BeTrue())
	})

	It("should stay quiet when no marker exists", func() {
		tmp := GinkgoT().TempDir()
		probe := discovery.SandboxProbeFromMarkers([]string{filepath.Join(tmp, "nope")})
		Expect(probe()).To(BeFalse())
	})

	It("should stay quiet with no markers at all", func() {
		Expect(discovery.SandboxProbeFromMarkers(nil)()).To(BeFalse())
	})
})
