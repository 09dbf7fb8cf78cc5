package bandwidth

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// LogHeader is the first line of a bandwidth log.
const LogHeader = "tensor_size, bandwidth"

// A Log appends samples to a text record, one line per sample.
type Log struct {
	w io.Writer
}

// NewLog starts a log by writing its header.
func NewLog(w io.Writer) (*Log, error) {
	_, err := fmt.Fprintln(w, LogHeader)
	if err != nil {
		return nil, err
	}

	return &Log{w: w}, nil
}

// Append writes one sample.
func (l *Log) Append(s Sample) error {
	_, err := fmt.Fprintf(l.w, "%d, %v\n", s.PayloadBytes, s.MegabitsPerSecond)

	return err
}

// ReadLog parses a log written by Log.
func ReadLog(r io.Reader) ([]Sample, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = 2

	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "reading bandwidth log header")
	}

	if header[0] != "tensor_size" || header[1] != "bandwidth" {
		return nil, errors.Errorf("unexpected bandwidth log header %q", header)
	}

	samples := make([]Sample, 0)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, errors.Wrap(err, "reading bandwidth log")
		}

		bytes, err := strconv.ParseUint(record[0], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing payload size %q", record[0])
		}

		mbps, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing bandwidth %q", record[1])
		}

		samples = append(samples,
			Sample{PayloadBytes: bytes, MegabitsPerSecond: mbps})
	}

	return samples, nil
}

// A Summary aggregates the samples of one payload size.
type Summary struct {
	PayloadBytes uint64
	Samples      int
	MeanMbps     float64
	StdDevMbps   float64
}

// Summarize groups samples by payload size, in order of first appearance.
func Summarize(samples []Sample) []Summary {
	order := make([]uint64, 0)
	values := make(map[uint64][]float64)

	for _, s := range samples {
		if _, ok := values[s.PayloadBytes]; !ok {
			order = append(order, s.PayloadBytes)
		}

		values[s.PayloadBytes] = append(values[s.PayloadBytes],
			s.MegabitsPerSecond)
	}

	summaries := make([]Summary, 0, len(order))
	for _, size := range order {
		v := values[size]
		summary := Summary{PayloadBytes: size, Samples: len(v)}

		if len(v) == 1 {
			summary.MeanMbps = v[0]
		} else {
			summary.MeanMbps, summary.StdDevMbps = stat.MeanStdDev(v, nil)
		}

		summaries = append(summaries, summary)
	}

	return summaries
}
