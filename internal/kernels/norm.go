package kernels

import "math"

// LayerNorm applies layer normalization
// out[i] = (x[i] - mean(x)) / sqrt(var(x) + eps) * gamma[i] + beta[i]
func LayerNorm(dst, src, gamma, beta []float32, eps float32) {
	n := len(src)
	if len(dst) < n || len(gamma) < n || len(beta) < n {
		panic("LayerNorm: buffer size mismatch")
	}

	sum := float32(0)
	for i := 0; i < n; i++ {
		sum += src[i]
	}
	mean := sum / float32(n)

	sumSq := float32(0)
	for i := 0; i < n; i++ {
		diff := src[i] - mean
		sumSq += diff * diff
	}
	variance := sumSq / float32(n)

	invStd := float32(1.0 / math.Sqrt(float64(variance+eps)))
	for i := 0; i < n; i++ {
		dst[i] = (src[i]-mean)*invStd*gamma[i] + beta[i]
	}
}

// L2Normalize scales vec to unit length in place. Zero vectors are left alone.
func L2Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	if sum == 0 {
		return
	}
	norm := float32(1.0 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= norm
	}
}
