package placement

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/sarchlab/devplace"
)

// A Layout is what the resolver needs to know about a model: its placement
// units in execution order and the layers facing the input and the loss.
type Layout struct {
	Layers      []string
	InputLayer  string
	OutputLayer string

	// AuxLayer is the auxiliary prediction head, if the model has one. It is
	// always co-located with the output layer.
	AuxLayer string
}

// Devices resolves abstract device indices and checks that devices can be
// used.
type Devices interface {
	Resolve(index int) (devplace.DeviceID, error)
	Check(id devplace.DeviceID) error
}

// A Plan is a resolved placement. It is either a Uniform or a PerLayer plan.
type Plan interface {
	InputDevice() devplace.DeviceID
	OutputDevice() devplace.DeviceID

	// DeviceOf returns the device of a layer. It returns an empty ID for a
	// layer the plan does not know.
	DeviceOf(layer string) devplace.DeviceID

	// Devices lists every device used by the plan, without duplicates.
	Devices() []devplace.DeviceID

	isPlan()
}

// Uniform places the whole model on one device.
type Uniform struct {
	Device devplace.DeviceID
}

func (Uniform) isPlan() {}

// InputDevice returns the device that receives input batches.
func (p Uniform) InputDevice() devplace.DeviceID { return p.Device }

// OutputDevice returns the device that computes the loss.
func (p Uniform) OutputDevice() devplace.DeviceID { return p.Device }

// DeviceOf returns the plan's device for every layer.
func (p Uniform) DeviceOf(string) devplace.DeviceID { return p.Device }

// Devices returns the single device of the plan.
func (p Uniform) Devices() []devplace.DeviceID {
	return []devplace.DeviceID{p.Device}
}

// PerLayer places every layer on its own device.
type PerLayer struct {
	Mapping map[string]devplace.DeviceID
	Input   devplace.DeviceID
	Output  devplace.DeviceID
}

func (PerLayer) isPlan() {}

// InputDevice returns the device of the input layer.
func (p PerLayer) InputDevice() devplace.DeviceID { return p.Input }

// OutputDevice returns the device of the output layer.
func (p PerLayer) OutputDevice() devplace.DeviceID { return p.Output }

// DeviceOf returns the device mapped to the layer.
func (p PerLayer) DeviceOf(layer string) devplace.DeviceID {
	return p.Mapping[layer]
}

// Devices returns the devices used by the plan in name order.
func (p PerLayer) Devices() []devplace.DeviceID {
	seen := make(map[devplace.DeviceID]bool)
	devices := make([]devplace.DeviceID, 0)

	for _, id := range p.Mapping {
		if seen[id] {
			continue
		}

		seen[id] = true
		devices = append(devices, id)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i] < devices[j] })

	return devices
}

// Resolve turns a spec into a plan for the given model layout. Every device
// the plan uses is checked to be available.
func Resolve(spec Spec, devices Devices, layout Layout) (Plan, error) {
	switch spec := spec.(type) {
	case SingleDevice:
		return resolveSingleDevice(spec, devices)
	case LayerMap:
		return resolveLayerMap(spec, devices, layout)
	default:
		panic(fmt.Sprintf("unknown placement spec type %T", spec))
	}
}

func resolveSingleDevice(spec SingleDevice, devices Devices) (Plan, error) {
	err := devices.Check(spec.Device)
	if err != nil {
		return nil, err
	}

	return Uniform{Device: spec.Device}, nil
}

func resolveLayerMap(
	spec LayerMap,
	devices Devices,
	layout Layout,
) (Plan, error) {
	names := make([]string, 0, len(spec.Entries))
	for name := range spec.Entries {
		names = append(names, name)
	}
	sort.Strings(names)

	mapping := make(map[string]devplace.DeviceID, len(names))

	for _, name := range names {
		id, err := devices.Resolve(spec.Entries[name])
		if err != nil {
			var unknown *devplace.UnknownDeviceError
			if errors.As(err, &unknown) {
				unknown.Layer = name
			}

			return nil, err
		}

		mapping[name] = id
	}

	checked := make(map[devplace.DeviceID]bool)
	for _, name := range names {
		id := mapping[name]
		if checked[id] {
			continue
		}

		err := devices.Check(id)
		if err != nil {
			return nil, err
		}
		checked[id] = true
	}

	known := make(map[string]bool, len(layout.Layers))
	for _, layer := range layout.Layers {
		known[layer] = true

		if _, ok := mapping[layer]; !ok {
			return nil, &devplace.IncompletePlacementError{Layer: layer}
		}
	}

	for _, name := range names {
		if known[name] || name == layout.AuxLayer {
			continue
		}

		return nil, &devplace.MalformedSpecError{
			Spec:   name,
			Reason: "the model has no layer with this name",
		}
	}

	plan := PerLayer{
		Mapping: make(map[string]devplace.DeviceID, len(layout.Layers)+1),
		Input:   mapping[layout.InputLayer],
		Output:  mapping[layout.OutputLayer],
	}

	for _, layer := range layout.Layers {
		plan.Mapping[layer] = mapping[layer]
	}

	if layout.AuxLayer != "" {
		if id, ok := mapping[layout.AuxLayer]; ok && id != plan.Output {
			return nil, &devplace.MalformedSpecError{
				Spec: layout.AuxLayer,
				Reason: fmt.Sprintf(
					"the auxiliary head must be on the output device %s, not %s",
					plan.Output, id),
			}
		}

		plan.Mapping[layout.AuxLayer] = plan.Output
	}

	return plan, nil
}
