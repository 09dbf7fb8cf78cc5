package devplace

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

var _ = Describe("Errors", func() {
	It("should name the layer that requested an unknown device", func() {
		err := &UnknownDeviceError{Ref: "5", Layer: "Mixed_6a"}

		Expect(err.Error()).To(Equal(
			"unknown device 5 (requested by layer Mixed_6a)"))
		Expect((&UnknownDeviceError{Ref: "tpu:0"}).Error()).
			To(Equal("unknown device tpu:0"))
	})

	It("should unwrap the cause of a failed transfer", func() {
		cause := errors.New("no link")
		var err error = &TransferError{
			Src: "cpu:0", Dst: "accel:3", Bytes: 80, Err: cause,
		}
		wrapped := errors.Wrap(err, "probing")

		var transferErr *TransferError
		Expect(errors.As(wrapped, &transferErr)).To(BeTrue())
		Expect(transferErr.Dst).To(Equal(DeviceID("accel:3")))
		Expect(errors.Is(wrapped, cause)).To(BeTrue())
		Expect(err.Error()).To(Equal(
			"transfer of 80 bytes from cpu:0 to accel:3 failed: no link"))
	})

	It("should describe a placement violation", func() {
		err := &PlacementInvariantViolation{
			Layer: "softmax", What: "labels", Want: "accel:1", Got: "cpu:0",
		}

		Expect(err.Error()).To(Equal("placement invariant violated at " +
			"layer softmax: labels is on cpu:0, expected accel:1"))
	})

	It("should describe a configuration error", func() {
		err := &ConfigurationError{
			Key: "dataset", Value: "foo", Reason: "unknown",
		}

		Expect(err.Error()).To(Equal(`invalid dataset "foo": unknown`))
	})
})
