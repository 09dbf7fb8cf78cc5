// Package dataset provides labelled examples and a loader that assembles
// them into batches ahead of consumption.
package dataset

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// A Dataset is an indexable collection of labelled examples.
type Dataset interface {
	Len() int
	Features() int
	Classes() int

	// Example returns the features and the label of the i-th example. The
	// returned slice must not be modified.
	Example(i int) ([]float64, int)
}

// Synthetic is an in-memory dataset of Gaussian clusters, one cluster per
// class.
type Synthetic struct {
	name    string
	data    *mat.Dense
	labels  []int
	classes int
}

// NewSyntheticSplits creates a training and a test split that draw from the
// same class clusters.
func NewSyntheticSplits(
	name string,
	trainSize, testSize, features, classes int,
	seed uint64,
) (train, test *Synthetic) {
	centers := clusterCenters(features, classes, seed)

	train = newSynthetic(name+"/train", centers, trainSize, seed+1)
	test = newSynthetic(name+"/test", centers, testSize, seed+2)

	return train, test
}

func clusterCenters(features, classes int, seed uint64) *mat.Dense {
	dist := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)}

	centers := mat.NewDense(classes, features, nil)
	centers.Apply(func(_, _ int, _ float64) float64 {
		return dist.Rand()
	}, centers)

	return centers
}

func newSynthetic(
	name string,
	centers *mat.Dense,
	n int,
	seed uint64,
) *Synthetic {
	classes, features := centers.Dims()
	noise := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)}

	s := &Synthetic{
		name:    name,
		labels:  make([]int, n),
		classes: classes,
	}

	if n == 0 {
		return s
	}

	s.data = mat.NewDense(n, features, nil)
	for i := 0; i < n; i++ {
		label := i % classes
		s.labels[i] = label

		for j := 0; j < features; j++ {
			s.data.Set(i, j, centers.At(label, j)+noise.Rand())
		}
	}

	return s
}

// Name returns the name of the split.
func (s *Synthetic) Name() string {
	return s.name
}

// Len returns the number of examples.
func (s *Synthetic) Len() int {
	return len(s.labels)
}

// Features returns the number of features per example.
func (s *Synthetic) Features() int {
	if s.data == nil {
		return 0
	}

	_, c := s.data.Dims()

	return c
}

// Classes returns the number of classes.
func (s *Synthetic) Classes() int {
	return s.classes
}

// Example returns the i-th example.
func (s *Synthetic) Example(i int) ([]float64, int) {
	return s.data.RawRowView(i), s.labels[i]
}
