// Package networkmodel provides a performance model for the interconnect that
// links devices.
package networkmodel

import (
	"gitlab.com/akita/akita/v3/sim"
)

// A Link is a one-directional channel between two ports.
type Link struct {
	BytePerSecond float64
	Latency       sim.VTimeInSec
	Left, Right   sim.Port
}
