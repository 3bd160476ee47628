// devmon discovers input devices (evdev and hidraw nodes) and prints
// their lifecycle as JSON: the current set of devices, one all-for-now
// marker, then live additions and removals until interrupted.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/openinput/devmon/internal/buildinfo"
	"github.com/openinput/devmon/internal/discovery"
	"github.com/openinput/devmon/internal/mux"
)

func main() {
	os.Exit(run())
}

type flagValues struct {
	direct  bool
	udev    bool
	evdev   bool
	hidraw  bool
	once    bool
	oneLine bool
	seq     bool
	version bool
	mock    string
	config  ConfigFlag
}

func initFlags() flagValues {
	values := flagValues{}
	flags := flag.NewFlagSet("devmon", flag.ExitOnError)
	klog.InitFlags(flags)
	flags.BoolVar(&values.direct, "direct", false, "prefer the direct /dev scanning backend")
	flags.BoolVar(&values.udev, "udev", false, "prefer the udev library backend")
	flags.BoolVar(&values.evdev, "evdev", false, "discover evdev nodes (default: both subsystems)")
	flags.BoolVar(&values.hidraw, "hidraw", false, "discover hidraw nodes (default: both subsystems)")
	flags.BoolVar(&values.once, "once", false, "stop after the enumeration baseline")
	flags.BoolVar(&values.oneLine, "one-line", false, "print one JSON object per line")
	flags.BoolVar(&values.seq, "seq", false, "print application/json-seq framing (RFC 7464)")
	flags.BoolVar(&values.version, "version", false, "print version and exit")
	flags.StringVar(&values.mock, "mock", "", "use the mock backend rooted at the given directory")
	flags.Var(&values.config, "config", `configuration source (in form "file:<path>", "env:<VARIABLE>" or "stdin")`)
	flags.Parse(os.Args[1:])
	return values
}

func loadConfig(flags flagValues) (*Config, error) {
	if flags.config.configSource == nil {
		return &Config{}, nil
	}
	reader, closer, err := flags.config.open()
	if err != nil {
		return nil, fmt.Errorf("failed to open --config %q: %w", flags.config.String(), err)
	}
	defer closer()
	config, err := parseConfig(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to parse --config %q: %w", flags.config.String(), err)
	}
	return config, nil
}

func run() int {
	flags := initFlags()

	if flags.version {
		fmt.Println("devmon " + buildinfo.Version())
		return 0
	}

	config, err := loadConfig(flags)
	if err != nil {
		klog.Errorf("%v", err)
		return 1
	}

	monitor, err := newMonitor(flags, config)
	if err != nil {
		klog.Errorf("failed to create monitor: %v", err)
		return 1
	}

	wantEvdev := flags.evdev
	wantHidraw := flags.hidraw
	for _, s := range config.Subsystems {
		wantEvdev = wantEvdev || s == "evdev"
		wantHidraw = wantHidraw || s == "hidraw"
	}
	if !wantEvdev && !wantHidraw {
		wantEvdev, wantHidraw = true, true
	}
	if wantEvdev {
		monitor.RequestEvdev()
	}
	if wantHidraw {
		monitor.RequestRawHID()
	}

	records := make(chan any, 16)
	monitor.Subscribe(mux.ThenSink(mux.SinkFromChan(records), record))

	if err := monitor.Start(); err != nil {
		klog.Errorf("failed to start monitor: %v", err)
		return 1
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	shutdown := mux.ChainCancelFunc(func() { signal.Stop(sigs) }, monitor.Stop)
	go func() {
		sig := <-sigs
		klog.Infof("received signal %q, shutting down", sig.String())
		shutdown()
	}()

	framing := framingFor(flags, config)
	var writeErr error
	for rec := range records {
		if writeErr != nil {
			// keep draining until the monitor closes the stream
			continue
		}
		if err := writeEvent(os.Stdout, framing, rec); err != nil {
			klog.Errorf("failed to write event: %v", err)
			writeErr = err
			shutdown()
		}
	}
	if writeErr != nil {
		return 1
	}
	return 0
}

func newMonitor(flags flagValues, config *Config) (*discovery.Monitor, error) {
	opts := discovery.Options{}
	if flags.once || config.Once {
		opts.Flags |= discovery.Once
	}
	backend := config.Backend
	if flags.udev {
		backend = "udev"
		// both preferences at once is a caller error; udev wins
		if flags.direct {
			opts.Flags |= discovery.PreferDirect
		}
	} else if flags.direct {
		backend = "direct"
	}
	switch backend {
	case "udev":
		opts.Flags |= discovery.PreferUdev
	case "direct":
		opts.Flags |= discovery.PreferDirect
	}
	if len(config.SandboxMarkers) > 0 {
		opts.Sandbox = discovery.SandboxProbeFromMarkers(config.SandboxMarkers)
	}
	opts.MockRoot = flags.mock
	if opts.MockRoot == "" {
		opts.MockRoot = config.MockRoot
	}
	if opts.MockRoot != "" && config.Scenario != "" {
		scenario, err := discovery.LoadScenario(config.Scenario)
		if err != nil {
			return nil, err
		}
		opts.Scenario = scenario
	}
	return discovery.New(opts)
}

type framing int

const (
	framePretty framing = iota
	frameOneLine
	frameSeq
)

// recordSeparator is the RFC 7464 record prefix.
const recordSeparator = 0x1E

func framingFor(flags flagValues, config *Config) framing {
	switch {
	case flags.seq:
		return frameSeq
	case flags.oneLine:
		return frameOneLine
	}
	switch config.Output {
	case outputSeq:
		return frameSeq
	case outputOneLine:
		return frameOneLine
	}
	return framePretty
}

type addedRecord struct {
	DevNode   string `json:"dev_node,omitempty"`
	Subsystem string `json:"subsystem"`
	SysPath   string `json:"sys_path,omitempty"`
}

type removedRecord struct {
	DevNode string `json:"dev_node,omitempty"`
	SysPath string `json:"sys_path,omitempty"`
}

func record(ev discovery.Event) any {
	switch e := ev.(type) {
	case discovery.Added:
		return map[string]addedRecord{"added": {
			DevNode:   e.Device.DevNode,
			Subsystem: string(e.Device.Subsystem),
			SysPath:   e.Device.SysPath,
		}}
	case discovery.Removed:
		return map[string]removedRecord{"removed": {
			DevNode: e.Ref.DevNode,
			SysPath: e.Ref.SysPath,
		}}
	case discovery.AllForNow:
		return map[string]bool{"all-for-now": true}
	}
	return nil
}

func writeEvent(w io.Writer, f framing, v any) error {
	switch f {
	case framePretty:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	case frameOneLine:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	case frameSeq:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%c%s\n", recordSeparator, data)
		return err
	}
	return nil
}
