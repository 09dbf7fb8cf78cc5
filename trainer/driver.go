package trainer

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/sarchlab/devplace"
	"github.com/sarchlab/devplace/dataset"
	"github.com/sarchlab/devplace/executor"
	"github.com/sarchlab/devplace/model"
	"github.com/sarchlab/devplace/placement"
)

// A Stepper runs one batch through a placed network.
type Stepper interface {
	Step(input, labels devplace.Tensor, mode executor.Mode) (executor.Output, error)
	Plan() placement.Plan
}

// StepResult is what the driver records for every training batch.
type StepResult struct {
	Loss          float64
	ElapsedMillis float64
}

// RunReport summarizes a run.
type RunReport struct {
	// EpochBatchMillis holds the average batch latency of every epoch.
	EpochBatchMillis []float64

	// WindowLosses holds every reported window-average loss.
	WindowLosses []float64

	Correct  int
	Total    int
	Accuracy float64
}

// A Driver trains a network for a number of epochs and then evaluates it.
type Driver struct {
	config  Config
	stepper Stepper
	runtime devplace.Runtime

	train dataset.Dataset
	test  dataset.Dataset
	host  devplace.DeviceID

	logger hclog.Logger
	out    io.Writer
}

// NewDriver creates a driver. The data must be set with SetData before
// running.
func NewDriver(
	config Config,
	stepper Stepper,
	runtime devplace.Runtime,
) *Driver {
	return &Driver{
		config:  config,
		stepper: stepper,
		runtime: runtime,
		host:    "cpu:0",
		logger:  hclog.NewNullLogger(),
		out:     os.Stdout,
	}
}

// SetData sets the training and the test split.
func (d *Driver) SetData(train, test dataset.Dataset) {
	d.train = train
	d.test = test
}

// SetLogger sets the logger.
func (d *Driver) SetLogger(logger hclog.Logger) {
	d.logger = logger
}

// SetOutput sets where the progress report is printed.
func (d *Driver) SetOutput(w io.Writer) {
	d.out = w
}

// SetHostDevice sets the device on which loaded batches are resident.
func (d *Driver) SetHostDevice(id devplace.DeviceID) {
	d.host = id
}

// Run trains for the configured number of epochs and then measures the
// accuracy on the test split. Cancellation is checked between batches.
func (d *Driver) Run(ctx context.Context) (RunReport, error) {
	report := RunReport{}

	_, err := d.config.Validate()
	if err != nil {
		return report, err
	}

	if d.train == nil || d.test == nil {
		return report, errors.New("driver has no data")
	}

	for epoch := 0; epoch < d.config.Epochs; epoch++ {
		err = d.runEpoch(ctx, epoch, &report)
		if err != nil {
			return report, err
		}
	}

	err = d.evaluate(ctx, &report)
	if err != nil {
		return report, err
	}

	return report, nil
}

func (d *Driver) loader(data dataset.Dataset, shuffle bool) *dataset.Loader {
	return &dataset.Loader{
		Dataset:   data,
		BatchSize: d.config.BatchSize,
		Shuffle:   shuffle,
		Workers:   d.config.Workers,
		Seed:      d.config.Seed,
	}
}

func (d *Driver) runEpoch(ctx context.Context, epoch int, report *RunReport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	devices := d.stepper.Plan().Devices()
	batches := d.loader(d.train, true).Batches(ctx, epoch)

	runningLoss := 0.0
	runningMillis := 0.0
	count := 0

	for b := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, err := d.trainBatch(b, devices)
		if err != nil {
			return errors.Wrapf(err, "epoch %d, batch %d", epoch+1, b.Index+1)
		}

		count++
		runningLoss += result.Loss
		runningMillis += result.ElapsedMillis

		d.logger.Trace("batch", "epoch", epoch+1, "batch", b.Index+1,
			"loss", result.Loss, "ms", result.ElapsedMillis)

		if count%d.config.LogEvery == 0 {
			window := runningLoss / float64(d.config.LogEvery)
			report.WindowLosses = append(report.WindowLosses, window)
			fmt.Fprintf(d.out, "[Epoch %d, Batch %d] Loss: %v\n",
				epoch+1, b.Index+1, window)
			runningLoss = 0
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	average := 0.0
	if count > 0 {
		average = runningMillis / float64(count)
	}

	report.EpochBatchMillis = append(report.EpochBatchMillis, average)
	fmt.Fprintf(d.out, "[Epoch %d] Average batch time: %.3fms\n",
		epoch+1, average)
	d.logger.Debug("epoch done", "epoch", epoch+1, "batches", count,
		"avg_ms", average)

	return nil
}

func (d *Driver) trainBatch(
	b dataset.Batch,
	devices []devplace.DeviceID,
) (StepResult, error) {
	input, labels, err := d.place(b)
	if err != nil {
		return StepResult{}, err
	}

	var out executor.Output
	elapsed, err := devplace.TimeWork(d.runtime, devices, devices,
		func() error {
			var err error
			out, err = d.stepper.Step(input, labels, executor.Train)

			return err
		})
	if err != nil {
		return StepResult{}, err
	}

	return StepResult{
		Loss:          out.Loss,
		ElapsedMillis: float64(elapsed) * 1000,
	}, nil
}

// place moves a host batch to the devices that consume it: the features to
// the input device and the labels to the output device.
func (d *Driver) place(b dataset.Batch) (input, labels devplace.Tensor, err error) {
	plan := d.stepper.Plan()

	input, err = d.moveTo(devplace.NewTensor(d.host, b.X), plan.InputDevice())
	if err != nil {
		return input, labels, err
	}

	labels, err = d.moveTo(
		devplace.NewTensor(d.host, model.LabelMatrix(b.Labels)),
		plan.OutputDevice())

	return input, labels, err
}

func (d *Driver) moveTo(
	t devplace.Tensor,
	dst devplace.DeviceID,
) (devplace.Tensor, error) {
	if t.Device == dst {
		return t, nil
	}

	return d.runtime.Transfer(t, dst)
}

func (d *Driver) evaluate(ctx context.Context, report *RunReport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	devices := d.stepper.Plan().Devices()

	for b := range d.loader(d.test, false).Batches(ctx, 0) {
		if err := ctx.Err(); err != nil {
			return err
		}

		input, labels, err := d.place(b)
		if err != nil {
			return errors.Wrapf(err, "evaluation batch %d", b.Index+1)
		}

		out, err := d.stepper.Step(input, labels, executor.Eval)
		if err != nil {
			return errors.Wrapf(err, "evaluation batch %d", b.Index+1)
		}

		err = d.runtime.Synchronize(devices...)
		if err != nil {
			return err
		}

		for i, predicted := range model.Argmax(out.Primary.Data) {
			if predicted == b.Labels[i] {
				report.Correct++
			}
		}
		report.Total += len(b.Labels)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if report.Total > 0 {
		report.Accuracy = float64(report.Correct) / float64(report.Total)
	}

	fmt.Fprintf(d.out, "Accuracy: %.2f%%\n", report.Accuracy*100)
	d.logger.Info("evaluation done", "correct", report.Correct,
		"total", report.Total)

	return nil
}
