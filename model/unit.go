// Package model provides a small staged classifier whose units can be placed
// on different devices.
package model

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/sarchlab/devplace"
)

// A Unit is the smallest part of a network that can be placed on a device.
type Unit interface {
	Name() string

	// Forward computes the output of the unit. In training mode, the unit
	// keeps what it needs for the backward pass.
	Forward(x *mat.Dense, train bool) *mat.Dense

	// Backward takes the gradient of the loss with respect to the output of
	// the last training forward pass and returns the gradient with respect
	// to its input.
	Backward(grad *mat.Dense) *mat.Dense

	// Update applies the gradients of the last backward pass in place.
	Update(lr float64)

	ParamBytes() uint64
	FLOPs(batch int) float64
}

// Linear is a fully connected unit with an optional ReLU activation.
type Linear struct {
	name string
	relu bool

	weight *mat.Dense
	bias   *mat.VecDense

	weightGrad *mat.Dense
	biasGrad   *mat.VecDense

	x *mat.Dense
	z *mat.Dense
}

// NewLinear creates a fully connected unit. Weights are drawn from a He
// normal distribution seeded with seed; biases start at zero.
func NewLinear(name string, in, out int, relu bool, seed uint64) *Linear {
	dist := distuv.Normal{
		Mu:    0,
		Sigma: math.Sqrt(2 / float64(in)),
		Src:   rand.NewSource(seed),
	}

	data := make([]float64, in*out)
	for i := range data {
		data[i] = dist.Rand()
	}

	return &Linear{
		name:   name,
		relu:   relu,
		weight: mat.NewDense(in, out, data),
		bias:   mat.NewVecDense(out, nil),
	}
}

// Name returns the name of the unit.
func (l *Linear) Name() string {
	return l.name
}

// Dims returns the input and output widths.
func (l *Linear) Dims() (in, out int) {
	return l.weight.Dims()
}

// Weight returns the weight matrix. The matrix is updated in place by
// Update.
func (l *Linear) Weight() *mat.Dense {
	return l.weight
}

// Forward computes x*W + b, followed by ReLU if the unit has one.
func (l *Linear) Forward(x *mat.Dense, train bool) *mat.Dense {
	rows, _ := x.Dims()
	_, out := l.weight.Dims()

	z := mat.NewDense(rows, out, nil)
	z.Mul(x, l.weight)
	z.Apply(func(_, j int, v float64) float64 {
		return v + l.bias.AtVec(j)
	}, z)

	if train {
		l.x = x
		l.z = z
	}

	if !l.relu {
		return z
	}

	a := mat.NewDense(rows, out, nil)
	a.Apply(func(_, _ int, v float64) float64 {
		return math.Max(v, 0)
	}, z)

	return a
}

// Backward computes the weight and bias gradients and the input gradient.
func (l *Linear) Backward(grad *mat.Dense) *mat.Dense {
	if l.x == nil {
		panic("backward without a training forward pass on " + l.name)
	}

	g := grad
	if l.relu {
		rows, cols := grad.Dims()
		g = mat.NewDense(rows, cols, nil)
		g.Apply(func(i, j int, v float64) float64 {
			if l.z.At(i, j) <= 0 {
				return 0
			}

			return v
		}, grad)
	}

	in, out := l.weight.Dims()
	l.weightGrad = mat.NewDense(in, out, nil)
	l.weightGrad.Mul(l.x.T(), g)

	l.biasGrad = mat.NewVecDense(out, nil)
	for j := 0; j < out; j++ {
		l.biasGrad.SetVec(j, mat.Sum(g.ColView(j)))
	}

	rows, _ := g.Dims()
	dx := mat.NewDense(rows, in, nil)
	dx.Mul(g, l.weight.T())

	return dx
}

// Update performs one step of stochastic gradient descent.
func (l *Linear) Update(lr float64) {
	if l.weightGrad == nil {
		return
	}

	l.weightGrad.Scale(lr, l.weightGrad)
	l.weight.Sub(l.weight, l.weightGrad)
	l.bias.AddScaledVec(l.bias, -lr, l.biasGrad)

	l.weightGrad = nil
	l.biasGrad = nil
	l.x = nil
	l.z = nil
}

// ParamBytes returns the size of the weights and biases.
func (l *Linear) ParamBytes() uint64 {
	in, out := l.weight.Dims()

	return uint64(in*out+out) * devplace.ElementBytes
}

// FLOPs returns the floating point operations of a forward pass.
func (l *Linear) FLOPs(batch int) float64 {
	in, out := l.weight.Dims()

	return float64(batch) * float64(out) * (2*float64(in) + 1)
}
