// Package device provides the device registry and a simulated heterogeneous
// platform on which placed networks execute.
package device

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sarchlab/devplace"
	"github.com/sarchlab/devplace/networkmodel"
	"github.com/sarchlab/devplace/timemodel"
	"gitlab.com/akita/akita/v3/monitoring"
	"gitlab.com/akita/akita/v3/sim"
	"gonum.org/v1/gonum/mat"
)

// ErrOutOfMemory is returned when a device cannot hold an allocation.
var ErrOutOfMemory = errors.New("device out of memory")

// Stats counts the work a platform has executed.
type Stats struct {
	Kernels       int
	Transfers     int
	TransferBytes uint64
}

// A Platform owns the simulation engine, the interconnect and the devices.
// Devices are opened lazily on first use and live as long as the platform.
type Platform struct {
	engine        *sim.SerialEngine
	network       *networkmodel.PacketSwitchingNetworkModel
	timeEstimator timemodel.TimeEstimator
	monitor       *monitoring.Monitor

	config   PlatformConfig
	registry *Registry
	devices  map[devplace.DeviceID]*Device
	opened   []*Device
	stats    Stats
}

// NewPlatform creates a platform from a validated configuration.
func NewPlatform(
	config PlatformConfig,
	timeEstimator timemodel.TimeEstimator,
) (*Platform, error) {
	err := config.Validate()
	if err != nil {
		return nil, err
	}

	engine := sim.NewSerialEngine()
	p := &Platform{
		engine:        engine,
		network:       networkmodel.NewPacketSwitchingNetworkModel(engine, engine),
		timeEstimator: timeEstimator,
		config:        config,
		devices:       make(map[devplace.DeviceID]*Device),
	}
	p.registry = newRegistry(p)

	return p, nil
}

// Registry returns the device registry of the platform.
func (p *Platform) Registry() *Registry {
	return p.registry
}

// Config returns the configuration of the platform.
func (p *Platform) Config() PlatformConfig {
	return p.config
}

// Stats returns the counters of executed work.
func (p *Platform) Stats() Stats {
	return p.stats
}

// CurrentTime returns the simulated time, in seconds.
func (p *Platform) CurrentTime() sim.VTimeInSec {
	return p.engine.CurrentTime()
}

// RegisterMonitor exposes the engine and every device to an akita monitor.
func (p *Platform) RegisterMonitor(m *monitoring.Monitor) {
	p.monitor = m
	m.RegisterEngine(p.engine)

	for _, d := range p.opened {
		m.RegisterComponent(d)
	}
}

// Device returns the handle of a device, opening it if needed.
func (p *Platform) Device(id devplace.DeviceID) (*Device, error) {
	if d, ok := p.devices[id]; ok {
		return d, nil
	}

	config, ok := p.config.deviceConfig(id)
	if !ok {
		return nil, &devplace.UnknownDeviceError{Ref: string(id)}
	}

	if config.Absent {
		return nil, &devplace.DeviceUnavailableError{
			Device: id,
			Reason: "device is not present on this machine",
		}
	}

	d := newDevice(p, config)
	p.network.PlugIn(d.port, 1)
	p.connect(d)

	p.devices[id] = d
	p.opened = append(p.opened, d)

	if p.monitor != nil {
		p.monitor.RegisterComponent(d)
	}

	return d, nil
}

// connect adds the configured links between a newly opened device and the
// devices that are already open.
func (p *Platform) connect(d *Device) {
	for _, l := range p.config.Links {
		var peer devplace.DeviceID

		switch d.ID() {
		case devplace.DeviceID(l.Left):
			peer = devplace.DeviceID(l.Right)
		case devplace.DeviceID(l.Right):
			peer = devplace.DeviceID(l.Left)
		default:
			continue
		}

		other, ok := p.devices[peer]
		if !ok {
			continue
		}

		p.network.AddLink(d.port, other.port,
			l.BandwidthGBps*1e9,
			sim.VTimeInSec(l.LatencyUS*1e-6))
	}
}

// openAll opens every present device so that routes may pass through
// devices that were not used so far.
func (p *Platform) openAll() {
	for _, c := range p.config.Devices {
		if c.Absent {
			continue
		}

		_, err := p.Device(c.ID())
		if err != nil {
			panic(err)
		}
	}
}

// Allocate reserves memory on a device.
func (p *Platform) Allocate(id devplace.DeviceID, bytes uint64) error {
	d, err := p.Device(id)
	if err != nil {
		return err
	}

	if !d.fits(bytes) {
		return errors.Wrapf(ErrOutOfMemory,
			"allocating %d bytes on %s with %d bytes resident",
			bytes, id, d.resident)
	}

	d.resident += bytes

	return nil
}

// Free releases memory reserved with Allocate.
func (p *Platform) Free(id devplace.DeviceID, bytes uint64) {
	d, ok := p.devices[id]
	if !ok {
		panic(fmt.Sprintf("freeing memory on unopened device %s", id))
	}

	if bytes > d.resident {
		panic(fmt.Sprintf("freeing %d bytes on %s with %d bytes resident",
			bytes, id, d.resident))
	}

	d.resident -= bytes
}

// Launch queues a kernel on a device stream. The returned fence is signaled
// when the kernel completes.
func (p *Platform) Launch(
	id devplace.DeviceID,
	k devplace.Kernel,
) (devplace.Fence, error) {
	d, err := p.Device(id)
	if err != nil {
		return nil, err
	}

	duration, err := p.estimate(d, k)
	if err != nil {
		return nil, err
	}

	o := &op{
		kind:     opCompute,
		name:     k.Name,
		device:   d,
		deps:     k.Deps,
		duration: duration,
	}
	p.stats.Kernels++
	p.enqueue(o)

	return o, nil
}

func (p *Platform) estimate(
	d *Device,
	k devplace.Kernel,
) (sim.VTimeInSec, error) {
	out, err := p.timeEstimator.Estimate(timemodel.TimeEstimatorInput{
		Name:            k.Name,
		FLOPs:           k.FLOPs,
		Bytes:           k.Bytes,
		PeakFLOPS:       d.config.PeakGFLOPS * 1e9,
		MemoryBandwidth: d.config.MemBandwidthGBps * 1e9,
	})
	if err != nil {
		return 0, errors.Wrapf(err, "estimating kernel %s on %s",
			k.Name, d.Name())
	}

	return sim.VTimeInSec(out.TimeInSec), nil
}

// Transfer queues the movement of a tensor to another device. The transfer
// waits for the tensor to be produced and occupies the destination stream
// until the data arrives. A transfer within one device is a local copy.
func (p *Platform) Transfer(
	t devplace.Tensor,
	dst devplace.DeviceID,
) (devplace.Tensor, error) {
	bytes := t.Bytes()
	transferErr := func(err error) error {
		return &devplace.TransferError{
			Src: t.Device, Dst: dst, Bytes: bytes, Err: err,
		}
	}

	if t.Data == nil {
		return devplace.Tensor{}, transferErr(errors.New("tensor has no data"))
	}

	srcDev, err := p.Device(t.Device)
	if err != nil {
		return devplace.Tensor{}, transferErr(err)
	}

	dstDev, err := p.Device(dst)
	if err != nil {
		return devplace.Tensor{}, transferErr(err)
	}

	if !dstDev.fits(bytes) {
		return devplace.Tensor{}, transferErr(errors.Wrapf(ErrOutOfMemory,
			"%s has %d bytes resident", dst, dstDev.resident))
	}

	out := devplace.NewTensor(dst, mat.DenseCopyOf(t.Data))
	o := &op{
		name:   "transfer " + t.ID,
		device: dstDev,
		deps:   []devplace.Fence{t.Ready},
	}

	if srcDev == dstDev {
		o.kind = opCompute
		o.duration, err = p.estimate(dstDev, devplace.Kernel{
			Name:  o.name,
			Bytes: 2 * bytes,
		})
		if err != nil {
			return devplace.Tensor{}, transferErr(err)
		}
	} else {
		if !p.network.HasRoute(srcDev.port, dstDev.port) {
			p.openAll()
		}

		if !p.network.HasRoute(srcDev.port, dstDev.port) {
			return devplace.Tensor{}, transferErr(
				errors.Errorf("no link from %s to %s", t.Device, dst))
		}

		o.kind = opTransfer
		o.src = srcDev
		o.msg = &devplace.TensorMsg{
			MsgMeta: sim.MsgMeta{
				ID:           sim.GetIDGenerator().Generate(),
				Src:          srcDev.port,
				Dst:          dstDev.port,
				TrafficBytes: int(bytes),
			},
			Tensor:    out,
			SrcDevice: t.Device,
			DstDevice: dst,
		}
	}

	out.Ready = o
	p.stats.Transfers++
	p.stats.TransferBytes += bytes
	p.enqueue(o)

	return out, nil
}

// Synchronize runs the simulation until the named devices have no queued or
// running work. With no device named, every opened device is drained.
func (p *Platform) Synchronize(ids ...devplace.DeviceID) error {
	devices := p.opened
	if len(ids) > 0 {
		devices = make([]*Device, 0, len(ids))

		for _, id := range ids {
			d, err := p.Device(id)
			if err != nil {
				return err
			}

			devices = append(devices, d)
		}
	}

	err := p.engine.Run()
	if err != nil {
		return err
	}

	for _, d := range devices {
		if len(d.stream) > 0 {
			return fmt.Errorf("device %s stalled with %d pending operations, "+
				"head %s", d.Name(), len(d.stream), d.stream[0].name)
		}
	}

	return nil
}

func (p *Platform) enqueue(o *op) {
	o.device.stream = append(o.device.stream, o)
	p.progress()
}

// progress starts the head operation of every idle stream whose
// dependencies are satisfied.
func (p *Platform) progress() {
	for _, d := range p.opened {
		if len(d.stream) == 0 {
			continue
		}

		head := d.stream[0]
		if head.started || !head.depsSignaled() {
			continue
		}

		p.start(head)
	}
}

func (p *Platform) start(o *op) {
	o.started = true
	now := p.engine.CurrentTime()

	switch o.kind {
	case opCompute:
		p.engine.Schedule(opCompletionEvent{
			time:    now + o.duration,
			handler: o.device,
			op:      o,
		})
	case opTransfer:
		o.msg.SendTime = now
		o.device.inflight[o.msg.ID] = o

		err := o.src.port.Send(o.msg)
		if err != nil {
			panic("interconnect rejected a transfer")
		}
	default:
		panic("unknown op kind")
	}
}

func (p *Platform) complete(o *op) {
	d := o.device
	if len(d.stream) == 0 || d.stream[0] != o {
		panic(fmt.Sprintf("device %s completed %s out of order",
			d.Name(), o.name))
	}

	o.done = true
	d.stream = d.stream[1:]

	p.progress()
}
