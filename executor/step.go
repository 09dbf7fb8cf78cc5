package executor

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/sarchlab/devplace"
	"github.com/sarchlab/devplace/model"
)

type forwardResult struct {
	primary devplace.Tensor
	aux     *devplace.Tensor
}

// Step runs one batch through the network. The input must be on the input
// device and the labels on the output device. In training mode, the step
// also runs the backward pass and updates every unit on its own device.
// Labels are optional in evaluation mode.
func (e *Executor) Step(
	input, labels devplace.Tensor,
	mode Mode,
) (Output, error) {
	err := e.checkInputs(input, labels, mode)
	if err != nil {
		return Output{}, err
	}

	fwd, err := e.forward(input, mode == Train)
	if err != nil {
		return Output{}, err
	}

	out := Output{Primary: fwd.primary, Aux: fwd.aux}

	if mode == Eval {
		if labels.Data != nil {
			out.PrimaryLoss, _ = model.SoftmaxCrossEntropy(
				fwd.primary.Data, model.LabelsOf(labels.Data))
			out.Loss = out.PrimaryLoss
		}

		return out, nil
	}

	err = e.trainBackward(fwd, labels, &out)
	if err != nil {
		return Output{}, err
	}

	e.logger.Trace("step", "mode", mode, "loss", out.Loss,
		"transfers", e.transfers)

	return out, nil
}

func (e *Executor) checkInputs(
	input, labels devplace.Tensor,
	mode Mode,
) error {
	if input.Data == nil {
		return errors.New("step without input data")
	}

	if input.Device != e.plan.InputDevice() {
		return &devplace.PlacementInvariantViolation{
			Layer: e.network.InputLayer(),
			What:  "input batch",
			Want:  e.plan.InputDevice(),
			Got:   input.Device,
		}
	}

	if labels.Data == nil {
		if mode == Train {
			return errors.New("training step without labels")
		}

		return nil
	}

	if labels.Device != e.plan.OutputDevice() {
		return &devplace.PlacementInvariantViolation{
			Layer: e.network.OutputLayer(),
			What:  "labels",
			Want:  e.plan.OutputDevice(),
			Got:   labels.Device,
		}
	}

	return nil
}

func (e *Executor) forward(
	input devplace.Tensor,
	train bool,
) (forwardResult, error) {
	var res forwardResult

	x := input
	for i, u := range e.network.Units() {
		dev := e.devices[i]

		var err error
		x, err = e.moveTo(x, dev)
		if err != nil {
			return res, errors.Wrapf(err, "feeding %s", u.Name())
		}
		mustBeOn(u.Name(), "input", x, dev)

		x, err = e.runForward(u, dev, x, train)
		if err != nil {
			return res, err
		}

		if train && i == e.network.AuxAfter() {
			aux, err := e.auxForward(x)
			if err != nil {
				return res, err
			}

			res.aux = &aux
		}
	}

	res.primary = x

	return res, nil
}

func (e *Executor) runForward(
	u model.Unit,
	dev devplace.DeviceID,
	x devplace.Tensor,
	train bool,
) (devplace.Tensor, error) {
	y := u.Forward(x.Data, train)
	rows, cols := y.Dims()

	return e.launch(dev, devplace.Kernel{
		Name:  u.Name() + ".forward",
		FLOPs: u.FLOPs(x.Rows()),
		Bytes: x.Bytes() + u.ParamBytes() +
			uint64(rows*cols)*devplace.ElementBytes,
		Deps: []devplace.Fence{x.Ready},
	}, y)
}

func (e *Executor) auxForward(branch devplace.Tensor) (devplace.Tensor, error) {
	aux := e.network.Aux()

	x, err := e.moveTo(branch, e.auxDevice)
	if err != nil {
		return devplace.Tensor{}, errors.Wrapf(err, "feeding %s", aux.Name())
	}
	mustBeOn(aux.Name(), "input", x, e.auxDevice)

	return e.runForward(aux, e.auxDevice, x, true)
}

func (e *Executor) trainBackward(
	fwd forwardResult,
	labels devplace.Tensor,
	out *Output,
) error {
	outDev := e.plan.OutputDevice()
	units := e.network.Units()

	mustBeOn(e.network.OutputLayer(), "prediction", fwd.primary, outDev)

	classes := model.LabelsOf(labels.Data)
	deps := []devplace.Fence{fwd.primary.Ready, labels.Ready}

	var primaryGrad, auxGrad *mat.Dense
	out.PrimaryLoss, primaryGrad = model.SoftmaxCrossEntropy(
		fwd.primary.Data, classes)

	if fwd.aux != nil {
		mustBeOn(e.network.Aux().Name(), "prediction", *fwd.aux, outDev)

		out.AuxLoss, auxGrad = model.SoftmaxCrossEntropy(fwd.aux.Data, classes)
		auxGrad.Scale(AuxLossWeight, auxGrad)
		deps = append(deps, fwd.aux.Ready)
	}

	out.Loss = CombinedLoss(out.PrimaryLoss, out.AuxLoss)

	rows, cols := primaryGrad.Dims()
	grad, err := e.launch(outDev, devplace.Kernel{
		Name:  "loss",
		FLOPs: float64(4 * rows * cols * len(deps)),
		Bytes: 2 * uint64(rows*cols*len(deps)) * devplace.ElementBytes,
		Deps:  deps,
	}, primaryGrad)
	if err != nil {
		return err
	}

	var branchGrad devplace.Tensor
	if fwd.aux != nil {
		auxOut := devplace.NewTensor(outDev, auxGrad)
		auxOut.Ready = grad.Ready

		branchGrad, err = e.runBackward(e.network.Aux(), e.auxDevice, auxOut)
		if err != nil {
			return err
		}
	}

	for i := len(units) - 1; i >= 0; i-- {
		u := units[i]
		dev := e.devices[i]

		grad, err = e.moveTo(grad, dev)
		if err != nil {
			return errors.Wrapf(err, "returning gradient to %s", u.Name())
		}
		mustBeOn(u.Name(), "gradient", grad, dev)

		if i == e.network.AuxAfter() {
			grad, err = e.join(u.Name(), dev, grad, branchGrad)
			if err != nil {
				return err
			}
		}

		grad, err = e.runBackward(u, dev, grad)
		if err != nil {
			return err
		}
	}

	return nil
}

// join adds the gradient coming back from the auxiliary head to the
// gradient of the unit that feeds it.
func (e *Executor) join(
	layer string,
	dev devplace.DeviceID,
	grad, branch devplace.Tensor,
) (devplace.Tensor, error) {
	branch, err := e.moveTo(branch, dev)
	if err != nil {
		return devplace.Tensor{}, errors.Wrapf(err,
			"returning auxiliary gradient to %s", layer)
	}
	mustBeOn(layer, "auxiliary gradient", branch, dev)

	rows, cols := grad.Data.Dims()
	sum := mat.NewDense(rows, cols, nil)
	sum.Add(grad.Data, branch.Data)

	return e.launch(dev, devplace.Kernel{
		Name:  layer + ".join",
		FLOPs: float64(rows * cols),
		Bytes: 3 * uint64(rows*cols) * devplace.ElementBytes,
		Deps:  []devplace.Fence{grad.Ready, branch.Ready},
	}, sum)
}

func (e *Executor) runBackward(
	u model.Unit,
	dev devplace.DeviceID,
	grad devplace.Tensor,
) (devplace.Tensor, error) {
	dx := u.Backward(grad.Data)
	rows, cols := dx.Dims()

	inGrad, err := e.launch(dev, devplace.Kernel{
		Name:  u.Name() + ".backward",
		FLOPs: 2 * u.FLOPs(grad.Rows()),
		Bytes: grad.Bytes() + 2*u.ParamBytes() +
			uint64(rows*cols)*devplace.ElementBytes,
		Deps: []devplace.Fence{grad.Ready},
	}, dx)
	if err != nil {
		return devplace.Tensor{}, err
	}

	u.Update(e.lr)

	params := float64(u.ParamBytes() / devplace.ElementBytes)
	_, err = e.platform.Launch(dev, devplace.Kernel{
		Name:  u.Name() + ".update",
		FLOPs: 2 * params,
		Bytes: 3 * u.ParamBytes(),
		Deps:  []devplace.Fence{inGrad.Ready},
	})
	if err != nil {
		return devplace.Tensor{}, errors.Wrapf(err, "updating %s on %s",
			u.Name(), dev)
	}

	return inGrad, nil
}
