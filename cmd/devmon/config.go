package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type configSource interface {
	String() string
	open() (io.Reader, func() error, error)
}

type fileConfigSource struct {
	path string
}

func (fcs *fileConfigSource) open() (io.Reader, func() error, error) {
	file, err := os.Open(fcs.path)
	if err != nil {
		return nil, nil, err
	}
	return file, file.Close, nil
}

func (fcs *fileConfigSource) String() string {
	return "file:" + fcs.path
}

type envConfigSource struct {
	variable string
}

func (ecs *envConfigSource) open() (io.Reader, func() error, error) {
	data := os.Getenv(ecs.variable)
	if data == "" {
		return nil, nil, fmt.Errorf("config: environment variable %s is not set", ecs.variable)
	}
	return strings.NewReader(data), func() error { return nil }, nil
}

func (ecs *envConfigSource) String() string {
	return "env:" + ecs.variable
}

type stdinConfigSource struct{}

func (scs *stdinConfigSource) open() (io.Reader, func() error, error) {
	return os.Stdin, func() error { return nil }, nil
}

func (scs *stdinConfigSource) String() string {
	return "stdin"
}

// ConfigFlag accepts a configuration source in the form "file:<path>",
// "env:<VARIABLE>" or "stdin".
type ConfigFlag struct {
	configSource
}

func (cf *ConfigFlag) Set(value string) error {
	switch {
	case strings.HasPrefix(value, "file:"):
		cf.configSource = &fileConfigSource{path: strings.TrimPrefix(value, "file:")}
	case strings.HasPrefix(value, "env:"):
		cf.configSource = &envConfigSource{variable: strings.TrimPrefix(value, "env:")}
	case value == "stdin":
		cf.configSource = &stdinConfigSource{}
	default:
		return fmt.Errorf("invalid config source: %s", value)
	}
	return nil
}

func (cf *ConfigFlag) String() string {
	if cf.configSource == nil {
		return ""
	}
	return cf.configSource.String()
}

const (
	outputPretty  = "pretty"
	outputOneLine = "one-line"
	outputSeq     = "json-seq"
)

// Config carries the optional YAML defaults; command-line flags override
// every field.
type Config struct {
	Backend        string   `yaml:"backend,omitempty"`    // auto, direct or udev
	Subsystems     []string `yaml:"subsystems,omitempty"` // evdev, hidraw
	Output         string   `yaml:"output,omitempty"`     // pretty, one-line or json-seq
	Once           bool     `yaml:"once,omitempty"`
	SandboxMarkers []string `yaml:"sandbox_markers,omitempty"`
	MockRoot       string   `yaml:"mock_root,omitempty"`
	Scenario       string   `yaml:"scenario,omitempty"`
}

func (c *Config) validate() error {
	var errs error
	switch c.Backend {
	case "", "auto", "direct", "udev":
	default:
		errs = errors.Join(errs, fmt.Errorf(".backend: %q must be auto, direct or udev", c.Backend))
	}
	for i, s := range c.Subsystems {
		switch s {
		case "evdev", "hidraw":
		default:
			errs = errors.Join(errs, fmt.Errorf(".subsystems[%d]: %q must be evdev or hidraw", i, s))
		}
	}
	switch c.Output {
	case "", outputPretty, outputOneLine, outputSeq:
	default:
		errs = errors.Join(errs, fmt.Errorf(".output: %q must be %s, %s or %s", c.Output, outputPretty, outputOneLine, outputSeq))
	}
	return errs
}

func parseConfig(reader io.Reader) (*Config, error) {
	config := &Config{}
	if err := yaml.NewDecoder(reader).Decode(config); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}
