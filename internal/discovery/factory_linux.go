package discovery

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/openinput/devmon/internal/udevbind"
)

// Options configures monitor construction. The zero value selects a
// backend automatically and discovers nothing until a subsystem is
// requested.
type Options struct {
	Flags Flags
	// Sandbox overrides the default marker-file sandbox probe.
	Sandbox SandboxProbe
	// LoadUdev overrides how the udev library binding is obtained.
	LoadUdev func() (*udevbind.Binding, error)
	// MockRoot, when set, forces the mock backend rooted at the given
	// simulation directory.
	MockRoot string
	Scenario *Scenario
}

// New picks a backend and wraps it in a monitor. Selection order without
// an explicit preference: inside a recognized sandbox the direct backend
// wins; otherwise udev is attempted and its failure falls back to direct.
// That fallback is the only built-in recovery path and is applied exactly
// once, here.
func New(opts Options) (*Monitor, error) {
	backend, err := selectBackend(opts)
	if err != nil {
		return nil, err
	}
	klog.V(2).Infof("selected %s backend", backend.Name())
	return NewMonitor(backend, opts.Flags), nil
}

func selectBackend(opts Options) (Backend, error) {
	if opts.MockRoot != "" {
		backend := NewMock(opts.MockRoot, opts.Scenario)
		if opts.Scenario != nil {
			if err := backend.Materialize(); err != nil {
				return nil, fmt.Errorf("mock: cannot materialize scenario: %w", err)
			}
		}
		return backend, nil
	}

	load := opts.LoadUdev
	if load == nil {
		load = udevbind.Load
	}
	sandboxed := opts.Sandbox
	if sandboxed == nil {
		sandboxed = SandboxProbeFromMarkers(DefaultSandboxMarkers)
	}

	wantUdev := opts.Flags&PreferUdev != 0
	wantDirect := opts.Flags&PreferDirect != 0
	if wantUdev && wantDirect {
		// caller error; documented behavior is that the udev preference
		// is checked first
		klog.Warning("both udev and direct backends requested, trying udev first")
	}
	switch {
	case wantUdev:
		lib, err := load()
		if err != nil {
			return nil, fmt.Errorf("udev backend requested: %w", err)
		}
		return NewUdev(lib)
	case wantDirect:
		return NewDirect(), nil
	}

	if sandboxed() {
		klog.V(2).Info("sandbox detected, preferring direct backend")
		return NewDirect(), nil
	}
	if lib, err := load(); err == nil {
		backend, err := NewUdev(lib)
		if err == nil {
			return backend, nil
		}
		klog.Warningf("udev backend unusable, falling back to direct: %v", err)
	} else {
		klog.V(2).Infof("udev library unavailable, falling back to direct: %v", err)
	}
	return NewDirect(), nil
}
