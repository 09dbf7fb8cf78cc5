package trainer

import (
	"bytes"
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gitlab.com/akita/akita/v3/sim"
	"gonum.org/v1/gonum/mat"

	"github.com/sarchlab/devplace"
	"github.com/sarchlab/devplace/dataset"
	"github.com/sarchlab/devplace/device"
	"github.com/sarchlab/devplace/executor"
	"github.com/sarchlab/devplace/model"
	"github.com/sarchlab/devplace/placement"
	"github.com/sarchlab/devplace/timemodel"
)

// fakeRuntime advances its clock by one millisecond on every barrier.
type fakeRuntime struct {
	now       sim.VTimeInSec
	transfers int
	syncs     int
}

func (r *fakeRuntime) CurrentTime() sim.VTimeInSec {
	return r.now
}

func (r *fakeRuntime) Transfer(
	t devplace.Tensor,
	dst devplace.DeviceID,
) (devplace.Tensor, error) {
	r.transfers++

	return devplace.NewTensor(dst, t.Data), nil
}

func (r *fakeRuntime) Synchronize(...devplace.DeviceID) error {
	r.syncs++
	r.now += 1e-3

	return nil
}

// fakeStepper predicts the given labels, shifted by offset.
type fakeStepper struct {
	plan    placement.Plan
	offset  int
	classes int
	loss    float64
	calls   map[executor.Mode]int
	onStep  func()
}

func (s *fakeStepper) Plan() placement.Plan {
	return s.plan
}

func (s *fakeStepper) Step(
	input, labels devplace.Tensor,
	mode executor.Mode,
) (executor.Output, error) {
	Expect(input.Device).To(Equal(s.plan.InputDevice()))
	Expect(labels.Device).To(Equal(s.plan.OutputDevice()))

	s.calls[mode]++
	if s.onStep != nil {
		s.onStep()
	}

	classes := model.LabelsOf(labels.Data)
	prediction := mat.NewDense(len(classes), s.classes, nil)
	for i, c := range classes {
		prediction.Set(i, (c+s.offset)%s.classes, 1)
	}

	return executor.Output{
		Primary: devplace.NewTensor(s.plan.OutputDevice(), prediction),
		Loss:    s.loss,
	}, nil
}

var _ = Describe("Driver", func() {
	var (
		config  Config
		runtime *fakeRuntime
		stepper *fakeStepper
		out     *bytes.Buffer
		driver  *Driver
	)

	BeforeEach(func() {
		config = DefaultConfig()
		config.Epochs = 2
		config.BatchSize = 4
		config.LogEvery = 2

		runtime = &fakeRuntime{}
		stepper = &fakeStepper{
			plan:    placement.Uniform{Device: "accel:0"},
			classes: 10,
			loss:    0.5,
			calls:   make(map[executor.Mode]int),
		}
		out = new(bytes.Buffer)

		train, test := dataset.NewSyntheticSplits("mnist", 20, 8, 3, 10, 1)
		driver = NewDriver(config, stepper, runtime)
		driver.SetData(train, test)
		driver.SetOutput(out)
	})

	It("should train, time and evaluate", func() {
		report, err := driver.Run(context.Background())

		Expect(err).ToNot(HaveOccurred())
		Expect(stepper.calls[executor.Train]).To(Equal(10))
		Expect(stepper.calls[executor.Eval]).To(Equal(2))
		Expect(report.EpochBatchMillis).To(HaveLen(2))
		Expect(report.EpochBatchMillis[0]).To(BeNumerically("~", 1, 1e-9))
		Expect(report.WindowLosses).To(Equal([]float64{0.5, 0.5, 0.5, 0.5}))
		Expect(runtime.transfers).To(Equal(2 * 12))

		Expect(out.String()).To(ContainSubstring(
			"[Epoch 1, Batch 2] Loss: 0.5\n"))
		Expect(out.String()).To(ContainSubstring(
			"[Epoch 2, Batch 4] Loss: 0.5\n"))
		Expect(out.String()).To(ContainSubstring(
			"[Epoch 2] Average batch time: 1.000ms\n"))
	})

	It("should report full accuracy for correct predictions", func() {
		report, err := driver.Run(context.Background())

		Expect(err).ToNot(HaveOccurred())
		Expect(report.Correct).To(Equal(8))
		Expect(report.Total).To(Equal(8))
		Expect(report.Accuracy).To(Equal(1.0))
		Expect(out.String()).To(HaveSuffix("Accuracy: 100.00%\n"))
	})

	It("should report zero accuracy for wrong predictions", func() {
		stepper.offset = 1

		report, err := driver.Run(context.Background())

		Expect(err).ToNot(HaveOccurred())
		Expect(report.Correct).To(Equal(0))
		Expect(report.Accuracy).To(Equal(0.0))
		Expect(out.String()).To(HaveSuffix("Accuracy: 0.00%\n"))
	})

	It("should not move batches already on the right devices", func() {
		stepper.plan = placement.Uniform{Device: "cpu:0"}

		_, err := driver.Run(context.Background())

		Expect(err).ToNot(HaveOccurred())
		Expect(runtime.transfers).To(Equal(0))
	})

	It("should stop between batches when cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		stepper.onStep = func() {
			if stepper.calls[executor.Train] == 3 {
				cancel()
			}
		}

		_, err := driver.Run(ctx)

		Expect(err).To(MatchError(context.Canceled))
		Expect(stepper.calls[executor.Train]).To(Equal(3))
		Expect(stepper.calls[executor.Eval]).To(Equal(0))
	})

	It("should refuse an unknown dataset before stepping", func() {
		config.Dataset = "foo"
		driver = NewDriver(config, stepper, runtime)

		_, err := driver.Run(context.Background())

		var configErr *devplace.ConfigurationError
		Expect(err).To(BeAssignableToTypeOf(configErr))
		Expect(stepper.calls).To(BeEmpty())
		Expect(runtime.syncs).To(Equal(0))
	})
})

var _ = Describe("Driver on a simulated platform", func() {
	It("should run a placed network end to end", func() {
		platform, err := device.NewPlatform(device.DefaultPlatformConfig(),
			timemodel.NewRooflineTimeEstimator(5e-6))
		Expect(err).ToNot(HaveOccurred())

		config := DefaultConfig()
		config.Dataset = "cats_vs_dogs"
		config.Epochs = 1
		config.BatchSize = 8
		config.LogEvery = 2
		info, err := config.Validate()
		Expect(err).ToNot(HaveOccurred())

		features := 16
		network := model.NewStaged(features, info.Classes, 3)
		spec := placement.LayerMap{Entries: map[string]int{
			"Conv2d_1a_3x3": 2, "Conv2d_2a_3x3": 2, "Mixed_5b": 2,
			"Mixed_6a": 3, "Mixed_6e": 3, "Mixed_7c": 3, "softmax": 3,
		}}
		plan, err := placement.Resolve(spec, platform.Registry(),
			network.Layout())
		Expect(err).ToNot(HaveOccurred())

		e, err := executor.New(network, plan, platform,
			executor.Options{LearningRate: config.LearningRate})
		Expect(err).ToNot(HaveOccurred())

		train, test := dataset.NewSyntheticSplits(info.Name, 32, 16,
			features, info.Classes, 3)
		out := new(bytes.Buffer)
		driver := NewDriver(config, e, platform)
		driver.SetData(train, test)
		driver.SetOutput(out)
		driver.SetHostDevice(platform.Config().HostDevice())

		report, err := driver.Run(context.Background())

		Expect(err).ToNot(HaveOccurred())
		Expect(report.EpochBatchMillis).To(HaveLen(1))
		Expect(report.EpochBatchMillis[0]).To(BeNumerically(">", 0))
		Expect(report.WindowLosses).To(HaveLen(2))
		Expect(report.Total).To(Equal(16))
		Expect(report.Accuracy).To(BeNumerically(">=", 0))
		Expect(report.Accuracy).To(BeNumerically("<=", 1))
		Expect(e.Transfers()).To(BeNumerically(">", 0))
	})
})
