package bandwidth

import (
	"bytes"
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/sarchlab/devplace"
	"github.com/sarchlab/devplace/device"
	"github.com/sarchlab/devplace/timemodel"
)

var _ = Describe("Prober", func() {
	var (
		config   device.PlatformConfig
		platform *device.Platform
		prober   *Prober
		out      *bytes.Buffer
	)

	build := func(te timemodel.TimeEstimator) {
		var err error
		platform, err = device.NewPlatform(config, te)
		Expect(err).ToNot(HaveOccurred())

		out = new(bytes.Buffer)
		prober = NewProber(platform, 1)
		prober.SetOutput(out)
	}

	BeforeEach(func() {
		config = device.DefaultPlatformConfig()
		build(timemodel.NewRooflineTimeEstimator(0))
	})

	It("should convert bytes and seconds into megabits per second", func() {
		Expect(Mbps(1_000_000, 1)).To(BeNumerically("~", 8, 1e-12))
		Expect(Mbps(1000, 1e-6)).To(BeNumerically("~", 8000, 1e-9))
	})

	It("should list powers of ten", func() {
		Expect(Sizes(3, 5)).To(Equal([]uint64{1000, 10000, 100000}))
	})

	It("should time a transfer over a link", func() {
		sample, err := prober.Probe("cpu:0", "accel:0", 8000)

		Expect(err).ToNot(HaveOccurred())
		Expect(sample.PayloadBytes).To(Equal(uint64(8000)))

		seconds := 10e-6 + 8000/12e9
		Expect(sample.MegabitsPerSecond).
			To(BeNumerically("~", 8000*8/seconds/1e6, 1e-6))

		d, err := platform.Device("cpu:0")
		Expect(err).ToNot(HaveOccurred())
		Expect(d.ResidentBytes()).To(Equal(uint64(0)))
	})

	It("should report the realized payload size", func() {
		sample, err := prober.Probe("cpu:0", "accel:1", 1001)

		Expect(err).ToNot(HaveOccurred())
		Expect(sample.PayloadBytes).To(Equal(uint64(1000)))
	})

	It("should fail on payloads smaller than one element", func() {
		_, err := prober.Probe("cpu:0", "accel:0", 4)

		var transferErr *devplace.TransferError
		Expect(errors.As(err, &transferErr)).To(BeTrue())
	})

	It("should fail on an unknown target", func() {
		_, err := prober.Probe("cpu:0", "accel:7", 8000)

		var transferErr *devplace.TransferError
		Expect(errors.As(err, &transferErr)).To(BeTrue())
		Expect(transferErr.Dst).To(Equal(devplace.DeviceID("accel:7")))
	})

	It("should fail when the payload does not fit the source", func() {
		config.Devices[1].CapacityBytes = 100
		build(timemodel.NewRooflineTimeEstimator(0))

		_, err := prober.Probe("accel:0", "cpu:0", 8000)

		var transferErr *devplace.TransferError
		Expect(errors.As(err, &transferErr)).To(BeTrue())
		Expect(errors.Is(err, device.ErrOutOfMemory)).To(BeTrue())
	})

	It("should fail when a transfer takes no time", func() {
		build(&timemodel.FixedTimeEstimator{TimeInSec: 0})

		_, err := prober.Probe("accel:0", "accel:0", 8000)

		var transferErr *devplace.TransferError
		Expect(errors.As(err, &transferErr)).To(BeTrue())
	})

	It("should sweep sizes and repeats in order", func() {
		buf := new(bytes.Buffer)
		log, err := NewLog(buf)
		Expect(err).ToNot(HaveOccurred())

		samples, err := prober.Sweep(context.Background(), "cpu:0", "accel:0",
			[]uint64{1000, 10000}, 2, log)

		Expect(err).ToNot(HaveOccurred())
		Expect(samples).To(HaveLen(4))
		Expect(samples[0].PayloadBytes).To(Equal(uint64(1000)))
		Expect(samples[1].PayloadBytes).To(Equal(uint64(1000)))
		Expect(samples[2].PayloadBytes).To(Equal(uint64(10000)))
		Expect(samples[3].PayloadBytes).To(Equal(uint64(10000)))

		logged, err := ReadLog(buf)
		Expect(err).ToNot(HaveOccurred())
		Expect(logged).To(HaveLen(4))
		for i := range samples {
			Expect(logged[i].PayloadBytes).To(Equal(samples[i].PayloadBytes))
			Expect(logged[i].MegabitsPerSecond).
				To(BeNumerically("~", samples[i].MegabitsPerSecond, 1e-6))
		}

		Expect(out.String()).To(ContainSubstring(
			"Benchmarking tensor of size 0.001MB... "))
		Expect(out.String()).To(ContainSubstring(
			"Benchmarking tensor of size 0.010MB... "))
	})

	It("should sweep without a log", func() {
		samples, err := prober.Sweep(context.Background(), "cpu:0", "accel:0",
			[]uint64{1000, 10000}, 1, nil)

		Expect(err).ToNot(HaveOccurred())
		Expect(samples).To(HaveLen(2))
		Expect(samples[1].PayloadBytes).To(Equal(uint64(10000)))
	})

	It("should stop the sweep on the first failure", func() {
		log, err := NewLog(new(bytes.Buffer))
		Expect(err).ToNot(HaveOccurred())

		samples, err := prober.Sweep(context.Background(), "cpu:0", "accel:0",
			[]uint64{1000, 4, 10000}, 2, log)

		Expect(err).To(HaveOccurred())
		Expect(samples).To(HaveLen(2))
	})

	It("should stop the sweep when cancelled", func() {
		log, err := NewLog(new(bytes.Buffer))
		Expect(err).ToNot(HaveOccurred())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		samples, err := prober.Sweep(ctx, "cpu:0", "accel:0",
			[]uint64{1000}, 2, log)

		Expect(err).To(MatchError(context.Canceled))
		Expect(samples).To(BeEmpty())
	})
})
