// Package trainer drives training and evaluation of a placed network and
// reports loss, batch latency and accuracy.
package trainer

import (
	"sort"
	"strconv"
	"strings"

	"github.com/sarchlab/devplace"
)

// DatasetInfo describes a dataset the trainer knows how to build.
type DatasetInfo struct {
	Name     string
	Classes  int
	Features int
}

var knownDatasets = map[string]DatasetInfo{
	"mnist":        {Name: "mnist", Classes: 10, Features: 784},
	"cats_vs_dogs": {Name: "cats_vs_dogs", Classes: 2, Features: 3072},
}

// LookupDataset returns the description of a dataset by name.
func LookupDataset(name string) (DatasetInfo, error) {
	info, ok := knownDatasets[name]
	if !ok {
		names := make([]string, 0, len(knownDatasets))
		for n := range knownDatasets {
			names = append(names, n)
		}
		sort.Strings(names)

		return DatasetInfo{}, &devplace.ConfigurationError{
			Key:    "dataset",
			Value:  name,
			Reason: "expecting one of " + strings.Join(names, ", "),
		}
	}

	return info, nil
}

// Config is the configuration of a training run.
type Config struct {
	Epochs       int
	Dataset      string
	LearningRate float64
	BatchSize    int

	// LogEvery is the number of batches averaged in each loss report.
	LogEvery int

	Workers   int
	Seed      uint64
	TrainSize int
	TestSize  int
}

// DefaultConfig returns the configuration used when nothing is specified.
func DefaultConfig() Config {
	return Config{
		Epochs:       10,
		Dataset:      "mnist",
		LearningRate: 0.01,
		BatchSize:    128,
		LogEvery:     50,
		Workers:      2,
		Seed:         0,
		TrainSize:    6400,
		TestSize:     1280,
	}
}

// Validate checks the configuration and returns the selected dataset.
func (c Config) Validate() (DatasetInfo, error) {
	info, err := LookupDataset(c.Dataset)
	if err != nil {
		return DatasetInfo{}, err
	}

	positive := []struct {
		key   string
		value float64
	}{
		{"batch_size", float64(c.BatchSize)},
		{"lr", c.LearningRate},
		{"log_every", float64(c.LogEvery)},
	}

	for _, p := range positive {
		if p.value <= 0 {
			return DatasetInfo{}, &devplace.ConfigurationError{
				Key:    p.key,
				Value:  strconv.FormatFloat(p.value, 'g', -1, 64),
				Reason: "must be positive",
			}
		}
	}

	nonNegative := []struct {
		key   string
		value int
	}{
		{"epochs", c.Epochs},
		{"workers", c.Workers},
		{"train_size", c.TrainSize},
		{"test_size", c.TestSize},
	}

	for _, p := range nonNegative {
		if p.value < 0 {
			return DatasetInfo{}, &devplace.ConfigurationError{
				Key:    p.key,
				Value:  strconv.Itoa(p.value),
				Reason: "must not be negative",
			}
		}
	}

	return info, nil
}
