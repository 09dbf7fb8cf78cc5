package placement

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/sarchlab/devplace"
	"github.com/sarchlab/devplace/device"
	"github.com/sarchlab/devplace/timemodel"
)

type wrappingDevices struct {
	Devices
}

func (d wrappingDevices) Resolve(index int) (devplace.DeviceID, error) {
	id, err := d.Devices.Resolve(index)
	if err != nil {
		return "", errors.Wrap(err, "lookup table")
	}

	return id, nil
}

var _ = Describe("Resolve", func() {
	var (
		config  device.PlatformConfig
		devices Devices
		layout  Layout
	)

	build := func() {
		platform, err := device.NewPlatform(config,
			&timemodel.FixedTimeEstimator{TimeInSec: 1e-3})
		Expect(err).ToNot(HaveOccurred())
		devices = platform.Registry()
	}

	BeforeEach(func() {
		config = device.DefaultPlatformConfig()
		layout = Layout{
			Layers:      []string{"stem", "body", "softmax"},
			InputLayer:  "stem",
			OutputLayer: "softmax",
			AuxLayer:    "aux",
		}
		build()
	})

	It("should place everything on a single device", func() {
		plan, err := Resolve(SingleDevice{Device: "accel:1"}, devices, layout)

		Expect(err).ToNot(HaveOccurred())
		Expect(plan).To(Equal(Uniform{Device: "accel:1"}))
		Expect(plan.InputDevice()).To(Equal(devplace.DeviceID("accel:1")))
		Expect(plan.OutputDevice()).To(Equal(devplace.DeviceID("accel:1")))
		Expect(plan.Devices()).To(ConsistOf(devplace.DeviceID("accel:1")))
	})

	It("should reject an unknown single device", func() {
		_, err := Resolve(SingleDevice{Device: "tpu:0"}, devices, layout)

		var unknown *devplace.UnknownDeviceError
		Expect(err).To(BeAssignableToTypeOf(unknown))
	})

	It("should resolve a layer mapping", func() {
		spec := LayerMap{Entries: map[string]int{
			"stem": 2, "body": 3, "softmax": 1,
		}}

		plan, err := Resolve(spec, devices, layout)

		Expect(err).ToNot(HaveOccurred())
		perLayer := plan.(PerLayer)
		Expect(perLayer.Mapping).To(Equal(map[string]devplace.DeviceID{
			"stem":    "accel:0",
			"body":    "accel:1",
			"softmax": "cpu:0",
			"aux":     "cpu:0",
		}))
		Expect(plan.InputDevice()).To(Equal(devplace.DeviceID("accel:0")))
		Expect(plan.OutputDevice()).To(Equal(devplace.DeviceID("cpu:0")))
		Expect(plan.Devices()).To(Equal([]devplace.DeviceID{
			"accel:0", "accel:1", "cpu:0",
		}))
	})

	It("should accept an aux entry on the output device", func() {
		spec := LayerMap{Entries: map[string]int{
			"stem": 2, "body": 2, "softmax": 3, "aux": 3,
		}}

		plan, err := Resolve(spec, devices, layout)

		Expect(err).ToNot(HaveOccurred())
		Expect(plan.(PerLayer).Mapping["aux"]).
			To(Equal(devplace.DeviceID("accel:1")))
	})

	It("should reject an aux entry away from the output device", func() {
		spec := LayerMap{Entries: map[string]int{
			"stem": 2, "body": 2, "softmax": 3, "aux": 2,
		}}

		_, err := Resolve(spec, devices, layout)

		var malformed *devplace.MalformedSpecError
		Expect(err).To(BeAssignableToTypeOf(malformed))
	})

	It("should name the layer that maps to an unknown index", func() {
		spec := LayerMap{Entries: map[string]int{
			"stem": 2, "body": 5, "softmax": 3,
		}}

		_, err := Resolve(spec, devices, layout)

		var unknown *devplace.UnknownDeviceError
		Expect(err).To(BeAssignableToTypeOf(unknown))
		unknown = err.(*devplace.UnknownDeviceError)
		Expect(unknown.Ref).To(Equal("5"))
		Expect(unknown.Layer).To(Equal("body"))
	})

	It("should name the layer behind a wrapped unknown device error", func() {
		spec := LayerMap{Entries: map[string]int{
			"stem": 2, "body": 5, "softmax": 3,
		}}

		_, err := Resolve(spec, wrappingDevices{Devices: devices}, layout)

		var unknown *devplace.UnknownDeviceError
		Expect(errors.As(err, &unknown)).To(BeTrue())
		Expect(unknown.Ref).To(Equal("5"))
		Expect(unknown.Layer).To(Equal("body"))
	})

	It("should report the first layer of an empty mapping", func() {
		spec := LayerMap{Entries: map[string]int{}}

		_, err := Resolve(spec, devices, layout)

		Expect(err).To(Equal(&devplace.IncompletePlacementError{Layer: "stem"}))
	})

	It("should report the first layer without a device", func() {
		spec := LayerMap{Entries: map[string]int{"stem": 2}}

		_, err := Resolve(spec, devices, layout)

		Expect(err).To(Equal(&devplace.IncompletePlacementError{Layer: "body"}))
	})

	It("should report unknown indices before missing layers", func() {
		spec := LayerMap{Entries: map[string]int{"stem": 9}}

		_, err := Resolve(spec, devices, layout)

		var unknown *devplace.UnknownDeviceError
		Expect(err).To(BeAssignableToTypeOf(unknown))
	})

	It("should reject names that are not layers of the model", func() {
		spec := LayerMap{Entries: map[string]int{
			"stem": 2, "body": 2, "softmax": 2, "Mixed_9z": 2,
		}}

		_, err := Resolve(spec, devices, layout)

		var malformed *devplace.MalformedSpecError
		Expect(err).To(BeAssignableToTypeOf(malformed))
	})

	It("should fail when a mapped device is absent", func() {
		config.Devices = append(config.Devices, device.DeviceConfig{
			Name:             "accel:2",
			Kind:             device.KindAccel,
			Absent:           true,
			PeakGFLOPS:       1,
			MemBandwidthGBps: 1,
		})
		config.Lookup[4] = "accel:2"
		build()

		spec := LayerMap{Entries: map[string]int{
			"stem": 4, "body": 2, "softmax": 2,
		}}

		_, err := Resolve(spec, devices, layout)

		var unavailable *devplace.DeviceUnavailableError
		Expect(err).To(BeAssignableToTypeOf(unavailable))
	})
})

var _ = Describe("Plan", func() {
	It("should map every layer of a uniform plan to its device", func() {
		plan := Uniform{Device: "cpu:0"}

		for _, layer := range []string{"stem", "softmax", "whatever"} {
			Expect(plan.DeviceOf(layer)).To(Equal(devplace.DeviceID("cpu:0")))
		}
	})

	It("should return an empty device for unknown layers", func() {
		plan := PerLayer{
			Mapping: map[string]devplace.DeviceID{"stem": "accel:0"},
			Input:   "accel:0",
			Output:  "accel:0",
		}

		Expect(plan.DeviceOf("stem")).To(Equal(devplace.DeviceID("accel:0")))
		Expect(plan.DeviceOf("body")).To(BeEmpty())
	})
})
