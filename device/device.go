package device

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/sarchlab/devplace"
	"gitlab.com/akita/akita/v3/sim"
)

// A Device is a simulated compute device. It executes the work queued on its
// stream one operation at a time, in issue order, and receives tensors from
// other devices through its port.
type Device struct {
	*sim.ComponentBase

	platform *Platform
	config   DeviceConfig
	port     sim.Port

	stream   []*op
	inflight map[string]*op
	resident uint64
}

func newDevice(p *Platform, config DeviceConfig) *Device {
	d := &Device{
		platform: p,
		config:   config,
		inflight: make(map[string]*op),
	}

	name := ComponentName(config.ID())
	d.ComponentBase = sim.NewComponentBase(name)
	d.port = sim.NewLimitNumMsgPort(d, 1, name+".Port")
	d.AddPort("Port", d.port)

	return d
}

// ComponentName turns a device identifier into a simulator component name.
// The kind is capitalized and the index becomes a subscript, so "cpu:0"
// becomes "CPU[0]" and "accel:1" becomes "Accel[1]".
func ComponentName(id devplace.DeviceID) string {
	kind, index, found := strings.Cut(string(id), ":")
	if !found {
		index = "0"
	}

	var b strings.Builder
	if kind == "cpu" {
		b.WriteString("CPU")
	} else {
		for _, part := range strings.Split(kind, "_") {
			if part == "" {
				continue
			}

			b.WriteString(strings.ToUpper(part[:1]))
			b.WriteString(part[1:])
		}
	}

	b.WriteString("[" + index + "]")

	return b.String()
}

// ID returns the identifier of the device.
func (d *Device) ID() devplace.DeviceID {
	return d.config.ID()
}

// Kind returns the class of the device.
func (d *Device) Kind() Kind {
	return d.config.Kind
}

// ResidentBytes returns the number of bytes allocated on the device.
func (d *Device) ResidentBytes() uint64 {
	return d.resident
}

// Pending returns the number of operations that are queued or running on the
// device.
func (d *Device) Pending() int {
	return len(d.stream)
}

func (d *Device) fits(bytes uint64) bool {
	if d.config.CapacityBytes == 0 {
		return true
	}

	return d.resident+bytes <= d.config.CapacityBytes
}

// Handle completes the kernel whose completion event fires.
func (d *Device) Handle(e sim.Event) error {
	switch e := e.(type) {
	case opCompletionEvent:
		d.platform.complete(e.op)
	default:
		panic("Device cannot handle this event type " +
			reflect.TypeOf(e).String())
	}

	return nil
}

// NotifyRecv completes the transfer whose tensor arrives at the device.
func (d *Device) NotifyRecv(now sim.VTimeInSec, port sim.Port) {
	msg := port.Retrieve(now)

	switch msg := msg.(type) {
	case *devplace.TensorMsg:
		o, ok := d.inflight[msg.ID]
		if !ok {
			panic(fmt.Sprintf("device %s received unexpected tensor %s",
				d.Name(), msg.Tensor.ID))
		}

		delete(d.inflight, msg.ID)
		d.platform.complete(o)
	default:
		panic(fmt.Sprintf("Cannot handle message %T", msg))
	}
}

// NotifyPortFree is called when the port can send again. The interconnect
// never rejects a message, so there is nothing to resume.
func (d *Device) NotifyPortFree(now sim.VTimeInSec, port sim.Port) {}
