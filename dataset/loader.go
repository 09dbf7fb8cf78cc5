package dataset

import (
	"context"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// A Batch is a group of examples delivered together.
type Batch struct {
	Index  int
	X      *mat.Dense
	Labels []int
}

// A Loader splits a dataset into batches. Batches of an epoch are built by a
// pool of workers ahead of consumption and delivered in epoch order.
type Loader struct {
	Dataset   Dataset
	BatchSize int

	// Shuffle reorders the examples once per epoch.
	Shuffle bool

	// Workers bounds the number of batches built ahead. Zero means one.
	Workers int

	Seed uint64
}

// NumBatches returns the number of batches per epoch. The last batch may be
// smaller than the others.
func (l *Loader) NumBatches() int {
	return (l.Dataset.Len() + l.BatchSize - 1) / l.BatchSize
}

// Batches delivers the batches of one epoch. The channel is closed after the
// last batch or when ctx is cancelled. Consumers that stop early must cancel
// ctx.
func (l *Loader) Batches(ctx context.Context, epoch int) <-chan Batch {
	if l.BatchSize <= 0 {
		panic("batch size must be positive")
	}

	order := l.order(epoch)
	numBatches := l.NumBatches()

	workers := l.Workers
	if workers <= 0 {
		workers = 1
	}

	pending := make(chan chan Batch, workers)
	out := make(chan Batch)

	go func() {
		defer close(pending)

		for i := 0; i < numBatches; i++ {
			result := make(chan Batch, 1)

			select {
			case pending <- result:
			case <-ctx.Done():
				return
			}

			go func(i int) {
				result <- l.build(i, order)
			}(i)
		}
	}()

	go func() {
		defer close(out)

		for result := range pending {
			var b Batch

			select {
			case b = <-result:
			case <-ctx.Done():
				return
			}

			select {
			case out <- b:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func (l *Loader) order(epoch int) []int {
	n := l.Dataset.Len()

	if !l.Shuffle {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}

		return order
	}

	rng := rand.New(rand.NewSource(l.Seed + uint64(epoch)))

	return rng.Perm(n)
}

func (l *Loader) build(index int, order []int) Batch {
	start := index * l.BatchSize
	end := start + l.BatchSize
	if end > len(order) {
		end = len(order)
	}

	b := Batch{
		Index:  index,
		X:      mat.NewDense(end-start, l.Dataset.Features(), nil),
		Labels: make([]int, end-start),
	}

	for row, i := range order[start:end] {
		x, label := l.Dataset.Example(i)
		b.X.SetRow(row, x)
		b.Labels[row] = label
	}

	return b
}
