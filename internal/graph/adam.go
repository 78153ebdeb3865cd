package graph

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Adam implements the Adam optimizer with bias-corrected step size.
type Adam struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64

	step int
}

// NewAdam returns an optimizer with the usual β and ε constants.
func NewAdam(lr float64) *Adam {
	return &Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

// Steps reports how many updates have been applied.
func (a *Adam) Steps() int { return a.step }

// Step applies one update to every parameter and clears the gradients.
func (a *Adam) Step(params []*Param) {
	a.step++
	t := float64(a.step)
	lr := a.LR * math.Sqrt(1-math.Pow(a.Beta2, t)) / (1 - math.Pow(a.Beta1, t))
	for _, p := range params {
		if p.m == nil {
			p.m = newLike(p.Value)
			p.v = newLike(p.Value)
		}
		w, g := raw(p.Value), raw(p.Grad)
		m, v := raw(p.m), raw(p.v)
		for i := range w {
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*g[i]
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*g[i]*g[i]
			w[i] -= lr * m[i] / (math.Sqrt(v[i]) + a.Epsilon)
		}
		p.ZeroGrad()
	}
}

// Initializer fills a fresh [rows, cols] matrix.
type Initializer func(rows, cols int) *mat.Dense

// Zeros is the zero initializer.
func Zeros(rows, cols int) *mat.Dense { return mat.NewDense(rows, cols, nil) }

// Ones is the all-ones initializer.
func Ones(rows, cols int) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	d := raw(m)
	for i := range d {
		d[i] = 1
	}
	return m
}
