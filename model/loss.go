package model

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// SoftmaxCrossEntropy returns the mean cross-entropy loss of the logits
// against integer class labels, and the gradient of that loss with respect
// to the logits.
func SoftmaxCrossEntropy(logits *mat.Dense, labels []int) (float64, *mat.Dense) {
	rows, cols := logits.Dims()
	if rows != len(labels) {
		panic("logits and labels disagree on the batch size")
	}

	grad := mat.NewDense(rows, cols, nil)
	loss := 0.0
	probs := make([]float64, cols)

	for i := 0; i < rows; i++ {
		mat.Row(probs, i, logits)
		maxLogit := floats.Max(probs)

		for j := range probs {
			probs[j] = math.Exp(probs[j] - maxLogit)
		}
		floats.Scale(1/floats.Sum(probs), probs)

		loss -= math.Log(math.Max(probs[labels[i]], math.SmallestNonzeroFloat64))

		probs[labels[i]] -= 1
		floats.Scale(1/float64(rows), probs)
		grad.SetRow(i, probs)
	}

	return loss / float64(rows), grad
}

// Argmax returns the index of the largest value of every row.
func Argmax(m mat.Matrix) []int {
	rows, cols := m.Dims()
	out := make([]int, rows)

	for i := 0; i < rows; i++ {
		best := 0
		for j := 1; j < cols; j++ {
			if m.At(i, j) > m.At(i, best) {
				best = j
			}
		}
		out[i] = best
	}

	return out
}

// LabelMatrix stores class labels in a single column matrix, so that they can
// be moved between devices like any other tensor.
func LabelMatrix(labels []int) *mat.Dense {
	data := make([]float64, len(labels))
	for i, l := range labels {
		data[i] = float64(l)
	}

	return mat.NewDense(len(labels), 1, data)
}

// LabelsOf reads back the labels stored by LabelMatrix.
func LabelsOf(m mat.Matrix) []int {
	rows, _ := m.Dims()
	labels := make([]int, rows)

	for i := range labels {
		labels[i] = int(m.At(i, 0))
	}

	return labels
}
