package device

import (
	"strconv"

	"github.com/sarchlab/devplace"
)

// A Registry maps abstract device indices to devices and checks that devices
// can be used. It is built once from the platform configuration.
type Registry struct {
	platform *Platform
	lookup   map[int]devplace.DeviceID
}

func newRegistry(p *Platform) *Registry {
	r := &Registry{
		platform: p,
		lookup:   make(map[int]devplace.DeviceID),
	}

	for index, name := range p.config.Lookup {
		r.lookup[index] = devplace.DeviceID(name)
	}

	return r
}

// Resolve translates an abstract device index into a device identifier.
func (r *Registry) Resolve(index int) (devplace.DeviceID, error) {
	id, ok := r.lookup[index]
	if !ok {
		return "", &devplace.UnknownDeviceError{Ref: strconv.Itoa(index)}
	}

	return id, nil
}

// IsAvailable tells if a device is configured and present.
func (r *Registry) IsAvailable(id devplace.DeviceID) bool {
	config, ok := r.platform.config.deviceConfig(id)

	return ok && !config.Absent
}

// Check opens the device and reports why it cannot be used, if it cannot.
func (r *Registry) Check(id devplace.DeviceID) error {
	_, err := r.platform.Device(id)

	return err
}
