package devplace

import "fmt"

// UnknownDeviceError is returned when a device index or a device name is not
// part of the configured device table.
type UnknownDeviceError struct {
	// Ref is the abstract index or the device name that failed to resolve.
	Ref   string
	Layer string
}

func (e *UnknownDeviceError) Error() string {
	if e.Layer != "" {
		return fmt.Sprintf("unknown device %s (requested by layer %s)",
			e.Ref, e.Layer)
	}

	return fmt.Sprintf("unknown device %s", e.Ref)
}

// DeviceUnavailableError is returned when a configured device cannot be
// initialized.
type DeviceUnavailableError struct {
	Device DeviceID
	Reason string
}

func (e *DeviceUnavailableError) Error() string {
	return fmt.Sprintf("device %s is unavailable: %s", e.Device, e.Reason)
}

// IncompletePlacementError is returned when a layer of the model has no entry
// in a per-layer placement.
type IncompletePlacementError struct {
	Layer string
}

func (e *IncompletePlacementError) Error() string {
	return fmt.Sprintf("placement has no device for layer %s", e.Layer)
}

// MalformedSpecError is returned when a placement argument is neither a
// valid device name nor a valid layer mapping.
type MalformedSpecError struct {
	Spec   string
	Reason string
}

func (e *MalformedSpecError) Error() string {
	return fmt.Sprintf("malformed placement spec %q: %s", e.Spec, e.Reason)
}

// PlacementInvariantViolation reports a tensor consumed on a device other
// than the one it lives on. It means the resolved plan and the executor
// disagree and is never recoverable.
type PlacementInvariantViolation struct {
	Layer string
	What  string
	Want  DeviceID
	Got   DeviceID
}

func (e *PlacementInvariantViolation) Error() string {
	return fmt.Sprintf(
		"placement invariant violated at layer %s: %s is on %s, expected %s",
		e.Layer, e.What, e.Got, e.Want)
}

// TransferError is returned when moving a tensor between two devices fails.
type TransferError struct {
	Src   DeviceID
	Dst   DeviceID
	Bytes uint64
	Err   error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer of %d bytes from %s to %s failed: %v",
		e.Bytes, e.Src, e.Dst, e.Err)
}

// Unwrap returns the cause of the failed transfer.
func (e *TransferError) Unwrap() error {
	return e.Err
}

// ConfigurationError is returned when a run is configured with a value the
// system does not recognize.
type ConfigurationError struct {
	Key    string
	Value  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Key, e.Value, e.Reason)
}
