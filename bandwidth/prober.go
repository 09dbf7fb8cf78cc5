// Package bandwidth measures the throughput of tensor transfers between two
// devices over a range of payload sizes.
package bandwidth

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/sarchlab/devplace"
)

// A Sample is the outcome of one timed transfer.
type Sample struct {
	PayloadBytes      uint64
	MegabitsPerSecond float64
}

// Mbps converts a payload moved in the given number of seconds into
// megabits per second.
func Mbps(bytes uint64, seconds float64) float64 {
	return float64(bytes) * 8 / seconds / 1e6
}

// Sizes returns the payload sizes 10^minExp to 10^maxExp bytes.
func Sizes(minExp, maxExp int) []uint64 {
	sizes := make([]uint64, 0)
	for e := minExp; e <= maxExp; e++ {
		sizes = append(sizes, uint64(math.Pow10(e)))
	}

	return sizes
}

// Platform is what the prober needs from the devices.
type Platform interface {
	devplace.Runtime
	Allocate(id devplace.DeviceID, bytes uint64) error
	Free(id devplace.DeviceID, bytes uint64)
}

// A Prober times transfers of random payloads.
type Prober struct {
	platform Platform
	fill     distuv.Uniform
	logger   hclog.Logger
	out      io.Writer
}

// NewProber creates a prober. The seed drives the payload content.
func NewProber(platform Platform, seed uint64) *Prober {
	return &Prober{
		platform: platform,
		fill:     distuv.Uniform{Min: 0, Max: 1, Src: rand.NewSource(seed)},
		logger:   hclog.NewNullLogger(),
		out:      os.Stdout,
	}
}

// SetLogger sets the logger.
func (p *Prober) SetLogger(logger hclog.Logger) {
	p.logger = logger
}

// SetOutput sets where per-size averages are printed.
func (p *Prober) SetOutput(w io.Writer) {
	p.out = w
}

// Probe times one transfer of about size bytes from src to dst. The payload
// holds whole elements only, so the transferred size may be rounded down;
// the sample reports the realized size.
func (p *Prober) Probe(src, dst devplace.DeviceID, size uint64) (Sample, error) {
	elements := size / devplace.ElementBytes
	bytes := elements * devplace.ElementBytes

	fail := func(err error) (Sample, error) {
		var transferErr *devplace.TransferError
		if errors.As(err, &transferErr) {
			return Sample{}, transferErr
		}

		return Sample{}, &devplace.TransferError{
			Src: src, Dst: dst, Bytes: bytes, Err: err,
		}
	}

	if elements == 0 {
		return fail(errors.Errorf("a payload of %d bytes holds no element",
			size))
	}

	err := p.platform.Allocate(src, bytes)
	if err != nil {
		return fail(err)
	}
	defer p.platform.Free(src, bytes)

	data := make([]float64, elements)
	for i := range data {
		data[i] = p.fill.Rand()
	}
	payload := devplace.NewTensor(src, mat.NewDense(1, int(elements), data))

	elapsed, err := devplace.TimeWork(p.platform,
		[]devplace.DeviceID{src}, []devplace.DeviceID{dst},
		func() error {
			_, err := p.platform.Transfer(payload, dst)
			return err
		})
	if err != nil {
		return fail(err)
	}

	if elapsed <= 0 {
		return fail(errors.Errorf("transfer completed in %v seconds", elapsed))
	}

	sample := Sample{
		PayloadBytes:      bytes,
		MegabitsPerSecond: Mbps(bytes, float64(elapsed)),
	}
	p.logger.Trace("probe", "src", src, "dst", dst, "bytes", bytes,
		"seconds", float64(elapsed), "mbps", sample.MegabitsPerSecond)

	return sample, nil
}

// Sweep probes every size repeats times, in order, and appends every sample
// to the log. A nil log keeps the samples in memory only. The first failure
// stops the sweep. Cancellation is checked between probes.
func (p *Prober) Sweep(
	ctx context.Context,
	src, dst devplace.DeviceID,
	sizes []uint64,
	repeats int,
	log *Log,
) ([]Sample, error) {
	samples := make([]Sample, 0, len(sizes)*repeats)

	for _, size := range sizes {
		fmt.Fprintf(p.out, "Benchmarking tensor of size %.3fMB... ",
			float64(size)/1e6)

		mbps := make([]float64, 0, repeats)
		for r := 0; r < repeats; r++ {
			if err := ctx.Err(); err != nil {
				fmt.Fprintln(p.out)
				return samples, err
			}

			s, err := p.Probe(src, dst, size)
			if err != nil {
				fmt.Fprintln(p.out)
				return samples, err
			}

			if log != nil {
				err = log.Append(s)
				if err != nil {
					fmt.Fprintln(p.out)
					return samples, errors.Wrap(err, "writing bandwidth log")
				}
			}

			samples = append(samples, s)
			mbps = append(mbps, s.MegabitsPerSecond)
		}

		mean := math.NaN()
		if len(mbps) > 0 {
			mean = stat.Mean(mbps, nil)
		}

		fmt.Fprintf(p.out, "%vMbit/s\n", mean)
		p.logger.Debug("size done", "bytes", size, "repeats", repeats,
			"mean_mbps", mean)
	}

	return samples, nil
}
