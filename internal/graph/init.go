package graph

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// GlorotUniform samples U(-l, l) with l = sqrt(6/(fanIn+fanOut)).
func GlorotUniform(rng *rand.Rand) Initializer {
	return func(rows, cols int) *mat.Dense {
		limit := math.Sqrt(6 / float64(rows+cols))
		return Uniform(rng, -limit, limit)(rows, cols)
	}
}

// Uniform samples U(lo, hi).
func Uniform(rng *rand.Rand, lo, hi float64) Initializer {
	return func(rows, cols int) *mat.Dense {
		m := mat.NewDense(rows, cols, nil)
		d := raw(m)
		for i := range d {
			d[i] = lo + (hi-lo)*rng.Float64()
		}
		return m
	}
}

// Normal samples N(0, stddev²).
func Normal(rng *rand.Rand, stddev float64) Initializer {
	return func(rows, cols int) *mat.Dense {
		m := mat.NewDense(rows, cols, nil)
		d := raw(m)
		for i := range d {
			d[i] = rng.NormFloat64() * stddev
		}
		return m
	}
}
