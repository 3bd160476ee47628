package discovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/kennygrant/sanitize"
	"gopkg.in/yaml.v3"

	"k8s.io/klog/v2"

	"github.com/openinput/devmon/internal/device"
)

// Scenario describes the synthetic devices a mock backend simulates.
type Scenario struct {
	Devices []ScenarioDevice `yaml:"devices"`
}

type ScenarioDevice struct {
	Name string `yaml:"name"`
	// Node overrides the node basename derived from Name.
	Node      string `yaml:"node,omitempty"`
	Subsystem string `yaml:"subsystem"`
	Vendor    uint16 `yaml:"vendor,omitempty"`
	Product   uint16 `yaml:"product,omitempty"`
}

func (d *ScenarioDevice) validate() error {
	var errs error
	if d.Name == "" && d.Node == "" {
		errs = errors.Join(errs, fmt.Errorf(".name: must be set when .node is not"))
	}
	switch device.Subsystem(d.Subsystem) {
	case device.SubsystemInput, device.SubsystemHidraw:
	default:
		errs = errors.Join(errs, fmt.Errorf(".subsystem: %q must be %q or %q",
			d.Subsystem, device.SubsystemInput, device.SubsystemHidraw))
	}
	return errs
}

// NodeBase is the simulated node basename, sanitized so scenario authors
// can use human-readable device names directly.
func (d *ScenarioDevice) NodeBase() string {
	if d.Node != "" {
		return d.Node
	}
	return sanitize.BaseName(d.Name)
}

func (s *Scenario) validate() error {
	var errs error
	for i := range s.Devices {
		if err := s.Devices[i].validate(); err != nil {
			errs = errors.Join(errs, fmt.Errorf(".devices[%d]%w", i, err))
		}
	}
	return errs
}

func LoadScenario(path string) (*Scenario, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}
	defer file.Close()

	scenario := &Scenario{}
	if err := yaml.NewDecoder(file).Decode(scenario); err != nil {
		return nil, fmt.Errorf("scenario: failed to parse %s: %w", path, err)
	}
	if err := scenario.validate(); err != nil {
		return nil, fmt.Errorf("scenario: invalid %s: %w", path, err)
	}
	return scenario, nil
}

// MockBackend simulates device lifecycle from files in a simulation
// directory: creating a file adds a device, deleting it removes one.
// Unlike the real backends it keys devices on dev_node, since simulated
// devices have no sysfs presence.
type MockBackend struct {
	root     string
	scenario *Scenario

	subs    Subsystems
	fsw     *fsnotify.Watcher
	changes chan Change
	done    chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewMock(root string, scenario *Scenario) *MockBackend {
	if scenario == nil {
		scenario = &Scenario{}
	}
	return &MockBackend{root: root, scenario: scenario}
}

func (b *MockBackend) Name() string {
	return "mock"
}

// Materialize writes the scenario's node files into the simulation
// directory so a subsequent enumeration discovers them.
func (b *MockBackend) Materialize() error {
	var errs error
	for i := range b.scenario.Devices {
		path := filepath.Join(b.root, b.scenario.Devices[i].NodeBase())
		errs = errors.Join(errs, os.WriteFile(path, nil, 0o644))
	}
	return errs
}

// deviceFor builds the synthetic device behind a node basename, preferring
// the scenario entry and falling back to the basename pattern.
func (b *MockBackend) deviceFor(base string) *device.Device {
	for i := range b.scenario.Devices {
		sd := &b.scenario.Devices[i]
		if sd.NodeBase() != base {
			continue
		}
		return &device.Device{
			DevNode:   filepath.Join(b.root, base),
			Subsystem: device.Subsystem(sd.Subsystem),
			Identity: &device.Identity{
				Vendor:  sd.Vendor,
				Product: sd.Product,
				Name:    sd.Name,
			},
		}
	}
	subsystem, ok := device.NodeSubsystem(base)
	if !ok {
		return nil
	}
	return &device.Device{
		DevNode:   filepath.Join(b.root, base),
		Subsystem: subsystem,
	}
}

func (b *MockBackend) Enumerate(subs Subsystems, emit func(*device.Device)) error {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("mock: cannot list %s: %w", b.root, err)
	}
	match := subsystemFilter(subs)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if d := b.deviceFor(entry.Name()); d != nil && match(d) {
			emit(d)
		}
	}
	return nil
}

func (b *MockBackend) Watch(subs Subsystems) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("mock: %w", err)
	}
	if err := fsw.Add(b.root); err != nil {
		fsw.Close()
		return fmt.Errorf("mock: cannot watch %s: %w", b.root, err)
	}
	b.fsw = fsw
	b.subs = subs
	b.changes = make(chan Change, 16)
	b.done = make(chan struct{})
	b.wg.Add(1)
	go b.watchLoop()
	return nil
}

func (b *MockBackend) Changes() <-chan Change {
	return b.changes
}

func (b *MockBackend) send(c Change) bool {
	select {
	case b.changes <- c:
		return true
	case <-b.done:
		return false
	}
}

func (b *MockBackend) watchLoop() {
	defer b.wg.Done()
	match := subsystemFilter(b.subs)
	for {
		select {
		case ev, ok := <-b.fsw.Events:
			if !ok {
				return
			}
			base := filepath.Base(ev.Name)
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Chmod) != 0:
				if d := b.deviceFor(base); d != nil && match(d) {
					if !b.send(Change{Op: ChangeAdd, Device: d}) {
						return
					}
				}
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				if !b.send(Change{Op: ChangeRemove, Ref: device.Ref{DevNode: filepath.Join(b.root, base)}}) {
					return
				}
			}
		case err, ok := <-b.fsw.Errors:
			if !ok {
				return
			}
			klog.Errorf("mock: watch error: %v", err)
		case <-b.done:
			return
		}
	}
}

// InjectAdd pushes a synthetic add past the filesystem, for tests that
// need deterministic sequencing. Valid only after Watch.
func (b *MockBackend) InjectAdd(d *device.Device) {
	b.send(Change{Op: ChangeAdd, Device: d})
}

// InjectRemove pushes a synthetic removal by node path. Valid only after
// Watch.
func (b *MockBackend) InjectRemove(devNode string) {
	b.send(Change{Op: ChangeRemove, Ref: device.Ref{DevNode: devNode}})
}

func (b *MockBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.fsw != nil {
		close(b.done)
		b.fsw.Close()
		b.wg.Wait()
	}
}
