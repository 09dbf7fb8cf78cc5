package devplace

import "gitlab.com/akita/akita/v3/sim"

// A Runtime moves tensors between devices and waits for device work.
type Runtime interface {
	sim.TimeTeller

	// Transfer queues the movement of t to dst and returns the tensor as it
	// will be resident on dst.
	Transfer(t Tensor, dst DeviceID) (Tensor, error)

	// Synchronize blocks until the named devices have drained all their
	// outstanding work. With no device named, all devices are drained.
	Synchronize(devices ...DeviceID) error
}

// TimeWork times fn. It drains the before devices, reads the clock, runs fn,
// then drains the after devices and reads the clock again. The closing
// barrier and clock read run even if fn fails or panics.
func TimeWork(
	rt Runtime,
	before, after []DeviceID,
	fn func() error,
) (elapsed sim.VTimeInSec, err error) {
	err = rt.Synchronize(before...)
	if err != nil {
		return 0, err
	}

	start := rt.CurrentTime()

	defer func() {
		syncErr := rt.Synchronize(after...)
		elapsed = rt.CurrentTime() - start

		if err == nil {
			err = syncErr
		}
	}()

	return 0, fn()
}
