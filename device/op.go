package device

import (
	"github.com/sarchlab/devplace"
	"gitlab.com/akita/akita/v3/sim"
)

type opKind int

const (
	opCompute opKind = iota
	opTransfer
)

// An op is one entry of a device stream. It doubles as the fence of the
// tensor it produces.
type op struct {
	kind     opKind
	name     string
	device   *Device
	deps     []devplace.Fence
	duration sim.VTimeInSec

	src *Device
	msg *devplace.TensorMsg

	started bool
	done    bool
}

// Signaled tells if the op has completed.
func (o *op) Signaled() bool {
	return o.done
}

func (o *op) depsSignaled() bool {
	for _, dep := range o.deps {
		if dep != nil && !dep.Signaled() {
			return false
		}
	}

	return true
}

type opCompletionEvent struct {
	time    sim.VTimeInSec
	handler sim.Handler
	op      *op
}

func (e opCompletionEvent) Time() sim.VTimeInSec {
	return e.time
}

func (e opCompletionEvent) Handler() sim.Handler {
	return e.handler
}

func (e opCompletionEvent) IsSecondary() bool {
	return false
}
