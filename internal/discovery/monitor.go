package discovery

import (
	"fmt"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/openinput/devmon/internal/device"
	"github.com/openinput/devmon/internal/mux"
)

type Flags uint32

const (
	// Once stops the monitor right after the enumeration baseline.
	Once Flags = 1 << iota
	PreferUdev
	PreferDirect
)

// State is the monitor lifecycle. Transitions are strictly monotonic:
// NotStarted to Started to Stopped, never backwards.
type State int32

const (
	NotStarted State = iota
	Started
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type monitorRequest interface {
	requestSealed()
}

type subscribeRequest struct {
	id   int
	sink mux.Sink[Event]
}

func (subscribeRequest) requestSealed() {}

type unsubscribeRequest struct {
	id int
}

func (unsubscribeRequest) requestSealed() {}

type devicesRequest struct {
	filter mux.FilterFunc[*device.Device]
}

func (devicesRequest) requestSealed() {}

type stopRequest struct{}

func (stopRequest) requestSealed() {}

// Monitor wraps exactly one backend and owns the discovery session: the
// lifecycle state machine, the registry of live devices and the dispatch
// of events to subscribers. After Start all state is owned by the run
// goroutine; the public API talks to it through request/reply messages.
// Concurrent calls into one Monitor are a caller error.
type Monitor struct {
	flags   Flags
	backend Backend
	subs    Subsystems

	state atomic.Int32

	// mu guards sinks and nextID until the run goroutine takes over.
	mu     sync.Mutex
	sinks  map[int]mux.Sink[Event]
	nextID int

	registry map[string]*device.Device
	byNode   map[string]string

	requests chan mux.AwaitReply[monitorRequest, any]
	// stopping closes at the start of Stop so a dispatch blocked on a slow
	// subscriber aborts instead of wedging the stop request.
	stopping chan struct{}
	stopOnce sync.Once
	finished chan struct{}
}

var _ mux.Source[Event] = (*Monitor)(nil)

func NewMonitor(backend Backend, flags Flags) *Monitor {
	return &Monitor{
		flags:    flags,
		backend:  backend,
		sinks:    make(map[int]mux.Sink[Event]),
		registry: make(map[string]*device.Device),
		byNode:   make(map[string]string),
		requests: make(chan mux.AwaitReply[monitorRequest, any]),
		stopping: make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (m *Monitor) State() State {
	return State(m.state.Load())
}

func (m *Monitor) Flags() Flags {
	return m.flags
}

// Backend exposes the wrapped backend, mainly so callers can report which
// strategy was selected.
func (m *Monitor) Backend() Backend {
	return m.backend
}

// RequestEvdev asks the monitor to discover evdev nodes. Valid only before
// Start; calling it twice is harmless.
func (m *Monitor) RequestEvdev() {
	if m.State() != NotStarted {
		panic("discovery: RequestEvdev called on a " + m.State().String() + " monitor")
	}
	m.subs.Evdev = true
}

// RequestRawHID asks the monitor to discover hidraw nodes. Valid only
// before Start; calling it twice is harmless.
func (m *Monitor) RequestRawHID() {
	if m.State() != NotStarted {
		panic("discovery: RequestRawHID called on a " + m.State().String() + " monitor")
	}
	m.subs.Hidraw = true
}

// Subscribe attaches a sink to the event stream. Sinks attached before
// Start observe the full baseline; the returned cancel detaches the sink.
func (m *Monitor) Subscribe(sink mux.Sink[Event]) mux.CancelFunc {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.mu.Unlock()

	switch m.State() {
	case NotStarted:
		m.mu.Lock()
		m.sinks[id] = sink
		m.mu.Unlock()
	case Started:
		if _, ok := m.request(subscribeRequest{id: id, sink: sink}); !ok {
			return func() {}
		}
	default:
		return func() {}
	}

	return func() {
		if m.State() == Started {
			m.request(unsubscribeRequest{id: id})
			return
		}
		m.mu.Lock()
		delete(m.sinks, id)
		m.mu.Unlock()
	}
}

// Devices snapshots the registry of live devices, keyed the way the
// backend keys them. Empty unless the monitor is started.
func (m *Monitor) Devices(filter mux.FilterFunc[*device.Device]) map[string]*device.Device {
	if filter == nil {
		filter = mux.Any[*device.Device]()
	}
	if m.State() == Started {
		if v, ok := m.request(devicesRequest{filter: filter}); ok {
			return v.(map[string]*device.Device)
		}
	}
	return map[string]*device.Device{}
}

// Start transitions to Started, establishes the live watch (unless Once or
// no subsystem was requested) and kicks off the asynchronous enumeration.
// Initialization failures are terminal for this monitor and never retried.
// Calling Start outside NotStarted is a caller error.
func (m *Monitor) Start() error {
	if !m.state.CompareAndSwap(int32(NotStarted), int32(Started)) {
		panic("discovery: Start called on a " + m.State().String() + " monitor")
	}
	if m.flags&Once == 0 && m.subs.Any() {
		if err := m.backend.Watch(m.subs); err != nil {
			m.state.Store(int32(Stopped))
			m.backend.Close()
			close(m.finished)
			return fmt.Errorf("discovery: %s backend cannot watch: %w", m.backend.Name(), err)
		}
	}
	go m.run()
	return nil
}

// Stop tears the session down: watch resources are released and tracked
// devices are dropped without Removed events. No event is delivered after
// Stop returns. A subscriber that stopped draining cannot delay Stop: its
// pending delivery is aborted and the sink closed. Idempotent.
func (m *Monitor) Stop() {
	switch m.State() {
	case Stopped:
		return
	case Started:
		m.stopOnce.Do(func() { close(m.stopping) })
		m.request(stopRequest{})
	case NotStarted:
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.state.CompareAndSwap(int32(NotStarted), int32(Stopped)) {
			return
		}
		m.backend.Close()
		for id, sink := range m.sinks {
			delete(m.sinks, id)
			sink.Close()
		}
		close(m.finished)
	}
}

func (m *Monitor) request(req monitorRequest) (any, bool) {
	ar := mux.NewAwaitReply[monitorRequest, any](req)
	select {
	case m.requests <- ar:
		return ar.Await(), true
	case <-m.finished:
		return nil, false
	}
}

func (m *Monitor) run() {
	defer close(m.finished)

	if err := m.backend.Enumerate(m.subs, m.addDevice); err != nil {
		klog.Errorf("%s backend enumeration failed: %v", m.backend.Name(), err)
	}
	m.dispatch(AllForNow{})

	if m.flags&Once != 0 {
		m.teardown()
		return
	}

	changes := m.backend.Changes()
	for {
		select {
		case c := <-changes:
			if c.Err != nil {
				klog.Errorf("%s backend failed, stopping monitor: %v", m.backend.Name(), c.Err)
				m.teardown()
				return
			}
			switch c.Op {
			case ChangeAdd:
				m.addDevice(c.Device)
			case ChangeRemove:
				m.removeDevice(c.Ref)
			}
		case ar := <-m.requests:
			switch r := ar.Value().(type) {
			case subscribeRequest:
				m.sinks[r.id] = r.sink
				ar.Reply(nil)
			case unsubscribeRequest:
				delete(m.sinks, r.id)
				ar.Reply(nil)
			case devicesRequest:
				snapshot := make(map[string]*device.Device, len(m.registry))
				for key, d := range m.registry {
					if r.filter(d) {
						snapshot[key] = d
					}
				}
				ar.Reply(snapshot)
			case stopRequest:
				m.teardown()
				ar.Reply(nil)
				return
			}
		}
	}
}

func (m *Monitor) addDevice(d *device.Device) {
	key := d.Key()
	if key == "" {
		return
	}
	// re-discovering a tracked key is a no-op
	if _, tracked := m.registry[key]; tracked {
		return
	}
	m.registry[key] = d
	if d.DevNode != "" {
		m.byNode[d.DevNode] = key
	}
	klog.V(2).Infof("added %s", d)
	m.dispatch(Added{Device: d})
}

func (m *Monitor) removeDevice(ref device.Ref) {
	key := ref.SysPath
	if key == "" {
		key = m.byNode[ref.DevNode]
	}
	d, tracked := m.registry[key]
	if !tracked {
		return
	}
	delete(m.registry, key)
	delete(m.byNode, d.DevNode)
	klog.V(2).Infof("removed %s", d)
	m.dispatch(Removed{Ref: d.Ref()})
}

func (m *Monitor) dispatch(ev Event) {
	for id, sink := range m.sinks {
		if err := sink.Submit(ev, m.stopping); err != nil {
			klog.Errorf("dropping event sink %d: %v", id, err)
			delete(m.sinks, id)
			sink.Close()
		}
	}
}

// teardown is the silent bulk removal path: no Removed events fire for the
// devices still tracked.
func (m *Monitor) teardown() {
	m.backend.Close()
	clear(m.registry)
	clear(m.byNode)
	for id, sink := range m.sinks {
		delete(m.sinks, id)
		sink.Close()
	}
	m.state.Store(int32(Stopped))
}
