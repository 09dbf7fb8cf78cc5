// Package devplace runs the layers of a neural network across heterogeneous
// devices following an explicit placement, and measures the cost of moving
// tensors between those devices.
package devplace

import (
	"gitlab.com/akita/akita/v3/sim"
	"gonum.org/v1/gonum/mat"
)

// ElementBytes is the number of bytes taken by one tensor element.
const ElementBytes = 8

// A DeviceID identifies a compute device, for example "cpu:0" or "accel:1".
type DeviceID string

// A Fence is signaled once the device work that produces a value completes.
type Fence interface {
	Signaled() bool
}

// A Tensor is a matrix of values that lives on exactly one device. Values are
// kept in host memory; the device tag decides where the tensor may be
// consumed. Moving a tensor to another device is always an explicit
// transfer.
type Tensor struct {
	ID     string
	Device DeviceID
	Data   *mat.Dense

	// Ready is signaled when the device work producing the tensor is done. A
	// nil Ready means the tensor is available immediately.
	Ready Fence
}

// NewTensor creates a tensor that is resident on the given device.
func NewTensor(device DeviceID, data *mat.Dense) Tensor {
	return Tensor{
		ID:     sim.GetIDGenerator().Generate(),
		Device: device,
		Data:   data,
	}
}

// Rows returns the number of rows of the tensor, which is the batch size for
// activations.
func (t Tensor) Rows() int {
	if t.Data == nil {
		return 0
	}

	r, _ := t.Data.Dims()

	return r
}

// Bytes returns the number of bytes of the tensor.
func (t Tensor) Bytes() uint64 {
	if t.Data == nil {
		return 0
	}

	r, c := t.Data.Dims()

	return uint64(r*c) * ElementBytes
}

// IsReady tells if the work producing the tensor has completed.
func (t Tensor) IsReady() bool {
	return t.Ready == nil || t.Ready.Signaled()
}

// A Kernel describes a piece of work executed on a device. The values are
// used to estimate how long the work occupies the device.
type Kernel struct {
	Name  string
	FLOPs float64
	Bytes uint64
	Deps  []Fence
}
