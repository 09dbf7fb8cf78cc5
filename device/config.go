package device

import (
	"fmt"
	"os"
	"regexp"

	"github.com/pkg/errors"
	"github.com/sarchlab/devplace"
	"gopkg.in/yaml.v3"
)

// Kind names the class of a device.
type Kind string

// Kind constants
const (
	KindCPU   Kind = "cpu"
	KindAccel Kind = "accel"
)

// A DeviceConfig describes one device of the platform.
type DeviceConfig struct {
	Name string `yaml:"name"`
	Kind Kind   `yaml:"kind"`

	// Absent marks a device that is known to the deployment but cannot be
	// initialized on this machine.
	Absent bool `yaml:"absent"`

	PeakGFLOPS       float64 `yaml:"peak_gflops"`
	MemBandwidthGBps float64 `yaml:"mem_bandwidth_gbps"`

	// CapacityBytes limits the memory of the device. Zero means unlimited.
	CapacityBytes uint64 `yaml:"capacity_bytes"`
}

// ID returns the device identifier.
func (c DeviceConfig) ID() devplace.DeviceID {
	return devplace.DeviceID(c.Name)
}

// A LinkConfig describes an interconnect link between two devices.
type LinkConfig struct {
	Left          string  `yaml:"left"`
	Right         string  `yaml:"right"`
	BandwidthGBps float64 `yaml:"bandwidth_gbps"`
	LatencyUS     float64 `yaml:"latency_us"`
}

// A PlatformConfig describes the devices, the links among them and the table
// that maps abstract device indices to devices.
type PlatformConfig struct {
	Devices []DeviceConfig `yaml:"devices"`
	Links   []LinkConfig   `yaml:"links"`
	Lookup  map[int]string `yaml:"lookup"`

	// Host is the device where loaded data first lands.
	Host string `yaml:"host"`

	LaunchOverheadUS float64 `yaml:"launch_overhead_us"`
}

// DefaultPlatformConfig returns a workstation with one CPU and two
// accelerators. The CPU reaches each accelerator over a PCIe-class link and
// the accelerators share a faster peer link.
func DefaultPlatformConfig() PlatformConfig {
	return PlatformConfig{
		Devices: []DeviceConfig{
			{
				Name:             "cpu:0",
				Kind:             KindCPU,
				PeakGFLOPS:       500,
				MemBandwidthGBps: 50,
			},
			{
				Name:             "accel:0",
				Kind:             KindAccel,
				PeakGFLOPS:       15000,
				MemBandwidthGBps: 900,
				CapacityBytes:    16 << 30,
			},
			{
				Name:             "accel:1",
				Kind:             KindAccel,
				PeakGFLOPS:       15000,
				MemBandwidthGBps: 900,
				CapacityBytes:    16 << 30,
			},
		},
		Links: []LinkConfig{
			{Left: "cpu:0", Right: "accel:0", BandwidthGBps: 12, LatencyUS: 10},
			{Left: "cpu:0", Right: "accel:1", BandwidthGBps: 12, LatencyUS: 10},
			{Left: "accel:0", Right: "accel:1", BandwidthGBps: 50, LatencyUS: 5},
		},
		Lookup: map[int]string{
			0: "cpu:0",
			1: "cpu:0",
			2: "accel:0",
			3: "accel:1",
		},
		Host:             "cpu:0",
		LaunchOverheadUS: 5,
	}
}

// LoadPlatformConfig reads a platform description from a YAML file.
func LoadPlatformConfig(path string) (PlatformConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PlatformConfig{}, errors.Wrap(err, "reading platform config")
	}

	var c PlatformConfig
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return PlatformConfig{}, errors.Wrapf(err, "parsing platform config %s", path)
	}

	if c.Host == "" {
		c.Host = "cpu:0"
	}

	err = c.Validate()
	if err != nil {
		return PlatformConfig{}, errors.Wrapf(err, "platform config %s", path)
	}

	return c, nil
}

// Validate checks that the description is self-consistent.
func (c PlatformConfig) Validate() error {
	names := make(map[string]bool)

	for _, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("device without a name")
		}

		if !deviceNamePattern.MatchString(d.Name) {
			return fmt.Errorf("device name %q is not of the form kind:index",
				d.Name)
		}

		if names[d.Name] {
			return fmt.Errorf("device %s is declared twice", d.Name)
		}
		names[d.Name] = true

		if d.Kind != KindCPU && d.Kind != KindAccel {
			return fmt.Errorf("device %s has unknown kind %q", d.Name, d.Kind)
		}

		if d.PeakGFLOPS <= 0 || d.MemBandwidthGBps <= 0 {
			return fmt.Errorf("device %s needs positive peak_gflops and "+
				"mem_bandwidth_gbps", d.Name)
		}
	}

	for _, l := range c.Links {
		if !names[l.Left] || !names[l.Right] {
			return fmt.Errorf("link %s-%s refers to an undeclared device",
				l.Left, l.Right)
		}

		if l.Left == l.Right {
			return fmt.Errorf("link %s-%s connects a device to itself",
				l.Left, l.Right)
		}

		if l.BandwidthGBps <= 0 || l.LatencyUS < 0 {
			return fmt.Errorf("link %s-%s needs a positive bandwidth and a "+
				"non-negative latency", l.Left, l.Right)
		}
	}

	for index, name := range c.Lookup {
		if !names[name] {
			return fmt.Errorf("lookup entry %d refers to undeclared device %s",
				index, name)
		}
	}

	if !names[c.Host] {
		return fmt.Errorf("host device %s is not declared", c.Host)
	}

	return nil
}

var deviceNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*:[0-9]+$`)

// HostDevice returns the device where loaded data lands.
func (c PlatformConfig) HostDevice() devplace.DeviceID {
	return devplace.DeviceID(c.Host)
}

func (c PlatformConfig) deviceConfig(id devplace.DeviceID) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.ID() == id {
			return d, true
		}
	}

	return DeviceConfig{}, false
}
