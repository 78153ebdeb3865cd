package kernels

import "math"

// Large negative additive bias that removes a key from attention.
const MaskedBias = -1e9

// CausalMask returns the [seqLen, seqLen] additive mask letting position i
// see only positions j <= i.
func CausalMask(seqLen int) []float32 {
	mask := make([]float32, seqLen*seqLen)
	for i := 0; i < seqLen; i++ {
		for j := i + 1; j < seqLen; j++ {
			mask[i*seqLen+j] = MaskedBias
		}
	}
	return mask
}

// PaddingMask returns the [seqLen, seqLen] additive mask hiding padded keys.
func PaddingMask(real []float32) []float32 {
	seqLen := len(real)
	mask := make([]float32, seqLen*seqLen)
	for i := 0; i < seqLen; i++ {
		for j := 0; j < seqLen; j++ {
			if real[j] == 0 {
				mask[i*seqLen+j] = MaskedBias
			}
		}
	}
	return mask
}

// MultiHeadAttention computes scaled dot-product self-attention for one
// sequence.
// Q, K, V, output: [seqLen, nHeads, headDim]
// mask: optional additive mask [seqLen, seqLen]
// scratch: at least seqLen*seqLen floats
func MultiHeadAttention(output, Q, K, V []float32, seqLen, nHeads, headDim int, mask, scratch []float32) {
	if seqLen == 0 || nHeads == 0 || headDim == 0 {
		return
	}
	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	headStride := nHeads * headDim
	scores := scratch[:seqLen*seqLen]

	for h := 0; h < nHeads; h++ {
		headOffset := h * headDim

		for i := 0; i < seqLen; i++ {
			qRow := Q[headOffset+i*headStride : headOffset+i*headStride+headDim]
			for j := 0; j < seqLen; j++ {
				kRow := K[headOffset+j*headStride : headOffset+j*headStride+headDim]
				score := dotF32(qRow, kRow) * scale
				if mask != nil {
					score += mask[i*seqLen+j]
				}
				scores[i*seqLen+j] = score
			}
			row := scores[i*seqLen : (i+1)*seqLen]
			Softmax(row, row, seqLen)
		}

		for i := 0; i < seqLen; i++ {
			outRow := output[headOffset+i*headStride : headOffset+i*headStride+headDim]
			for d := range outRow {
				outRow[d] = 0
			}
			for j := 0; j < seqLen; j++ {
				weight := scores[i*seqLen+j]
				if weight == 0 {
					continue
				}
				vRow := V[headOffset+j*headStride : headOffset+j*headStride+headDim]
				for d := range outRow {
					outRow[d] += weight * vRow[d]
				}
			}
		}
	}
}

// MaskedMeanPooling averages the rows of src [seqLen, dim] whose real flag is
// set. The divisor is clamped to at least one.
func MaskedMeanPooling(dst, src, real []float32, seqLen, dim int) {
	for i := 0; i < dim; i++ {
		dst[i] = 0
	}
	count := float32(0)
	for s := 0; s < seqLen; s++ {
		if real[s] == 0 {
			continue
		}
		count += real[s]
		row := src[s*dim : (s+1)*dim]
		for i := 0; i < dim; i++ {
			dst[i] += real[s] * row[i]
		}
	}
	if count < 1 {
		count = 1
	}
	VecScaleF32(dst, dst, 1/count, dim)
}

// LastIndex returns the index of the last real step, or -1.
func LastIndex(real []float32) int {
	for s := len(real) - 1; s >= 0; s-- {
		if real[s] != 0 {
			return s
		}
	}
	return -1
}
