package kernels

import "math"

// ReLU applies max(0, x).
func ReLU(dst, src []float32, n int) {
	for i := 0; i < n; i++ {
		if src[i] > 0 {
			dst[i] = src[i]
		} else {
			dst[i] = 0
		}
	}
}

// Sigmoid applies 1/(1+exp(-x)).
func Sigmoid(dst, src []float32, n int) {
	for i := 0; i < n; i++ {
		dst[i] = float32(1 / (1 + math.Exp(-float64(src[i]))))
	}
}

// Tanh applies tanh(x).
func Tanh(dst, src []float32, n int) {
	for i := 0; i < n; i++ {
		dst[i] = float32(math.Tanh(float64(src[i])))
	}
}

// Softmax applies softmax(x)_i = exp(x_i) / Σ exp(x_j).
func Softmax(dst, src []float32, n int) {
	if n == 0 {
		return
	}

	maxVal := src[0]
	for i := 1; i < n; i++ {
		if src[i] > maxVal {
			maxVal = src[i]
		}
	}

	sum := float32(0)
	i := 0
	for ; i+3 < n; i += 4 {
		e0 := fastExp(src[i] - maxVal)
		e1 := fastExp(src[i+1] - maxVal)
		e2 := fastExp(src[i+2] - maxVal)
		e3 := fastExp(src[i+3] - maxVal)
		dst[i], dst[i+1], dst[i+2], dst[i+3] = e0, e1, e2, e3
		sum += e0 + e1 + e2 + e3
	}
	for ; i < n; i++ {
		e := fastExp(src[i] - maxVal)
		dst[i] = e
		sum += e
	}

	if sum == 0 {
		inv := 1.0 / float32(n)
		for i := 0; i < n; i++ {
			dst[i] = inv
		}
		return
	}

	invSum := 1.0 / sum
	for i := 0; i < n; i++ {
		dst[i] *= invSum
	}
}

// fastExp approximates exp(x) for x <= 0 with a minimax polynomial for 2^frac.
// Inputs below -10 flush to zero.
func fastExp(x float32) float32 {
	const log2e = 1.442695041

	if x < -10 {
		return 0
	}
	if x > 10 {
		return 22026.4657948
	}

	y := x * log2e
	intPart := int32(math.Floor(float64(y)))
	fracPart := y - float32(intPart)

	const c1 = 0.693147180559945
	const c2 = 0.240226506959101
	const c3 = 0.055504108664821
	const c4 = 0.009676036358193
	poly := 1.0 + fracPart*(c1+fracPart*(c2+fracPart*(c3+fracPart*c4)))

	return poly * math.Float32frombits(uint32(intPart+127)<<23)
}
