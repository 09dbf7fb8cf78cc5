// Package executor runs the forward and backward passes of a network whose
// units are placed on different devices.
package executor

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/sarchlab/devplace"
	"github.com/sarchlab/devplace/model"
	"github.com/sarchlab/devplace/placement"
)

// AuxLossWeight scales the loss of the auxiliary head in the training loss.
const AuxLossWeight = 0.4

// CombinedLoss returns the training loss from the primary and the auxiliary
// losses.
func CombinedLoss(primary, aux float64) float64 {
	return primary + AuxLossWeight*aux
}

// Mode selects between a training step and an evaluation step.
type Mode int

// Step modes.
const (
	Train Mode = iota
	Eval
)

func (m Mode) String() string {
	switch m {
	case Train:
		return "train"
	case Eval:
		return "eval"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Platform is the part of the device platform used by the executor.
type Platform interface {
	Transfer(t devplace.Tensor, dst devplace.DeviceID) (devplace.Tensor, error)
	Launch(id devplace.DeviceID, k devplace.Kernel) (devplace.Fence, error)
	Allocate(id devplace.DeviceID, bytes uint64) error
}

// Options configure an executor.
type Options struct {
	LearningRate float64
	Logger       hclog.Logger
}

// Output is the result of one step.
type Output struct {
	Primary devplace.Tensor

	// Aux is the auxiliary prediction. It is only set in training mode.
	Aux *devplace.Tensor

	Loss        float64
	PrimaryLoss float64
	AuxLoss     float64
}

// An Executor runs a network following a resolved placement plan. Every unit
// is bound to one device when the executor is created and never moves.
type Executor struct {
	network  *model.Network
	plan     placement.Plan
	platform Platform
	lr       float64
	logger   hclog.Logger

	devices   []devplace.DeviceID
	auxDevice devplace.DeviceID
	transfers int
}

// New binds the units of a network to the devices of a plan and allocates
// their parameters there.
func New(
	network *model.Network,
	plan placement.Plan,
	platform Platform,
	opts Options,
) (*Executor, error) {
	e := &Executor{
		network:  network,
		plan:     plan,
		platform: platform,
		lr:       opts.LearningRate,
		logger:   opts.Logger,
	}

	if e.logger == nil {
		e.logger = hclog.NewNullLogger()
	}

	err := e.bind()
	if err != nil {
		return nil, err
	}

	err = e.allocate()
	if err != nil {
		return nil, err
	}

	return e, nil
}

func (e *Executor) bind() error {
	units := e.network.Units()
	e.devices = make([]devplace.DeviceID, len(units))

	switch plan := e.plan.(type) {
	case placement.Uniform:
		for i := range units {
			e.devices[i] = plan.Device
		}
	case placement.PerLayer:
		for i, u := range units {
			id, ok := plan.Mapping[u.Name()]
			if !ok {
				return &devplace.IncompletePlacementError{Layer: u.Name()}
			}

			e.devices[i] = id
		}
	default:
		panic(fmt.Sprintf("unknown placement plan type %T", plan))
	}

	last := len(units) - 1
	if e.devices[0] != e.plan.InputDevice() {
		return &devplace.PlacementInvariantViolation{
			Layer: units[0].Name(),
			What:  "input layer",
			Want:  e.plan.InputDevice(),
			Got:   e.devices[0],
		}
	}

	if e.devices[last] != e.plan.OutputDevice() {
		return &devplace.PlacementInvariantViolation{
			Layer: units[last].Name(),
			What:  "output layer",
			Want:  e.plan.OutputDevice(),
			Got:   e.devices[last],
		}
	}

	if aux := e.network.Aux(); aux != nil {
		e.auxDevice = e.plan.OutputDevice()

		planned := e.plan.DeviceOf(aux.Name())
		if planned != "" && planned != e.auxDevice {
			return &devplace.PlacementInvariantViolation{
				Layer: aux.Name(),
				What:  "auxiliary head",
				Want:  e.auxDevice,
				Got:   planned,
			}
		}
	}

	for i, u := range units {
		e.logger.Debug("placed unit", "unit", u.Name(), "device", e.devices[i])
	}

	return nil
}

func (e *Executor) allocate() error {
	for i, u := range e.network.Units() {
		err := e.platform.Allocate(e.devices[i], u.ParamBytes())
		if err != nil {
			return errors.Wrapf(err, "allocating parameters of %s", u.Name())
		}
	}

	if aux := e.network.Aux(); aux != nil {
		err := e.platform.Allocate(e.auxDevice, aux.ParamBytes())
		if err != nil {
			return errors.Wrapf(err, "allocating parameters of %s", aux.Name())
		}
	}

	return nil
}

// Plan returns the placement plan the executor follows.
func (e *Executor) Plan() placement.Plan {
	return e.plan
}

// DeviceOf returns the device a unit is bound to.
func (e *Executor) DeviceOf(unit string) devplace.DeviceID {
	if aux := e.network.Aux(); aux != nil && aux.Name() == unit {
		return e.auxDevice
	}

	for i, u := range e.network.Units() {
		if u.Name() == unit {
			return e.devices[i]
		}
	}

	return ""
}

// Transfers returns the number of transfers the executor has issued.
func (e *Executor) Transfers() int {
	return e.transfers
}

func (e *Executor) moveTo(
	t devplace.Tensor,
	dst devplace.DeviceID,
) (devplace.Tensor, error) {
	if t.Device == dst {
		return t, nil
	}

	moved, err := e.platform.Transfer(t, dst)
	if err != nil {
		return devplace.Tensor{}, err
	}

	e.transfers++
	e.logger.Trace("transfer", "from", t.Device, "to", dst,
		"bytes", t.Bytes())

	return moved, nil
}

func mustBeOn(layer, what string, t devplace.Tensor, dev devplace.DeviceID) {
	if t.Device != dev {
		panic(&devplace.PlacementInvariantViolation{
			Layer: layer,
			What:  what,
			Want:  dev,
			Got:   t.Device,
		})
	}
}

// launch records a piece of work on a device and wraps its result as a
// tensor resident on that device.
func (e *Executor) launch(
	dev devplace.DeviceID,
	k devplace.Kernel,
	data *mat.Dense,
) (devplace.Tensor, error) {
	fence, err := e.platform.Launch(dev, k)
	if err != nil {
		return devplace.Tensor{}, errors.Wrapf(err, "launching %s on %s",
			k.Name, dev)
	}

	t := devplace.NewTensor(dev, data)
	t.Ready = fence

	return t, nil
}
