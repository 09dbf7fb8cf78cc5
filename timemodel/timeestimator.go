// Package timemodel provides a performance model for the time a kernel
// occupies a device.
package timemodel

import (
	"fmt"
	"math"
)

// A TimeEstimatorInput represents the input of a time estimator.
type TimeEstimatorInput struct {
	Name  string
	FLOPs float64
	Bytes uint64

	// PeakFLOPS is the floating point throughput of the device, per second.
	PeakFLOPS float64

	// MemoryBandwidth is the device memory bandwidth, in bytes per second.
	MemoryBandwidth float64
}

// A TimeEstimatorOutput represents the output of a time estimator.
type TimeEstimatorOutput struct {
	// The estimated execution time in seconds.
	TimeInSec float64
}

// TimeEstimator estimates the execution time of a kernel.
type TimeEstimator interface {
	// Estimate estimates the execution time of a kernel.
	Estimate(input TimeEstimatorInput) (TimeEstimatorOutput, error)
}

// A FixedTimeEstimator returns the same time for every kernel.
type FixedTimeEstimator struct {
	TimeInSec float64
}

// Estimate returns the fixed time.
func (e *FixedTimeEstimator) Estimate(
	input TimeEstimatorInput,
) (TimeEstimatorOutput, error) {
	return TimeEstimatorOutput{
		TimeInSec: e.TimeInSec,
	}, nil
}

// A RooflineTimeEstimator bounds a kernel by either its arithmetic or its
// memory traffic, whichever takes longer, plus a constant launch overhead.
type RooflineTimeEstimator struct {
	LaunchOverheadInSec float64
}

// NewRooflineTimeEstimator creates a RooflineTimeEstimator.
func NewRooflineTimeEstimator(launchOverheadInSec float64) *RooflineTimeEstimator {
	return &RooflineTimeEstimator{
		LaunchOverheadInSec: launchOverheadInSec,
	}
}

// Estimate estimates the execution time of a kernel from the device's peak
// throughput and memory bandwidth.
func (e *RooflineTimeEstimator) Estimate(
	input TimeEstimatorInput,
) (TimeEstimatorOutput, error) {
	if input.FLOPs > 0 && input.PeakFLOPS <= 0 {
		return TimeEstimatorOutput{},
			fmt.Errorf("kernel %s: device peak FLOPS must be positive", input.Name)
	}

	if input.Bytes > 0 && input.MemoryBandwidth <= 0 {
		return TimeEstimatorOutput{},
			fmt.Errorf("kernel %s: device memory bandwidth must be positive",
				input.Name)
	}

	var computeTime, memoryTime float64
	if input.FLOPs > 0 {
		computeTime = input.FLOPs / input.PeakFLOPS
	}

	if input.Bytes > 0 {
		memoryTime = float64(input.Bytes) / input.MemoryBandwidth
	}

	return TimeEstimatorOutput{
		TimeInSec: e.LaunchOverheadInSec + math.Max(computeTime, memoryTime),
	}, nil
}
