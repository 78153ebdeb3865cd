// Package kernels provides pure-Go float32 kernels for the serving interpreter.
package kernels

import (
	"fmt"
	"sync"
)

// MatMulGGML computes output = input · weightᵀ with ggml semantics.
// weight: [outDim, inDim], input: [batch, inDim], dst: [batch, outDim].
func MatMulGGML(dst, weight, input []float32, batch, inDim, outDim int) {
	if len(dst) < batch*outDim || len(weight) < outDim*inDim || len(input) < batch*inDim {
		panic(fmt.Sprintf("MatMulGGML: buffers too small for %dx%d·%dx%d", batch, inDim, outDim, inDim))
	}
	for i := range dst[:batch*outDim] {
		dst[i] = 0
	}

	const parallelThreshold = 256
	if outDim >= parallelThreshold {
		matMulGGMLParallel(dst, weight, input, batch, inDim, outDim)
	} else {
		matMulGGMLSerial(dst, weight, input, batch, inDim, outDim, 0, outDim)
	}
}

// matMulGGMLSerial fills output columns [j0Start, j0End) with 16-wide
// blocking so each block's working set stays in L1.
func matMulGGMLSerial(dst, weight, input []float32, batch, inDim, outDim, j0Start, j0End int) {
	const blockSize = 16

	for i0 := 0; i0 < batch; i0 += blockSize {
		i1 := min(i0+blockSize, batch)
		for j0 := j0Start; j0 < j0End; j0 += blockSize {
			j1 := min(j0+blockSize, j0End)
			for k0 := 0; k0 < inDim; k0 += blockSize {
				k1 := min(k0+blockSize, inDim)

				for i := i0; i < i1; i++ {
					inputBase := i * inDim
					for j := j0; j < j1; j++ {
						weightBase := j * inDim
						dst[i*outDim+j] += dotF32(input[inputBase+k0:inputBase+k1], weight[weightBase+k0:weightBase+k1])
					}
				}
			}
		}
	}
}

func matMulGGMLParallel(dst, weight, input []float32, batch, inDim, outDim int) {
	const numWorkers = 16

	chunkSize := (outDim + numWorkers - 1) / numWorkers
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		j0Start := w * chunkSize
		if j0Start >= outDim {
			break
		}
		j0End := min(j0Start+chunkSize, outDim)
		wg.Add(1)
		go func() {
			defer wg.Done()
			matMulGGMLSerial(dst, weight, input, batch, inDim, outDim, j0Start, j0End)
		}()
	}
	wg.Wait()
}

// AddBias adds bias to every row of the [rows, len(bias)] matrix x.
func AddBias(x, bias []float32, rows int) {
	n := len(bias)
	for r := 0; r < rows; r++ {
		VecAddF32(x[r*n:(r+1)*n], x[r*n:(r+1)*n], bias, n)
	}
}

// VecAddF32 computes dst = a + b.
func VecAddF32(dst, a, b []float32, n int) {
	for i := 0; i < n; i++ {
		dst[i] = a[i] + b[i]
	}
}

// VecMulF32 computes dst = a ⊙ b.
func VecMulF32(dst, a, b []float32, n int) {
	for i := 0; i < n; i++ {
		dst[i] = a[i] * b[i]
	}
}

// VecScaleF32 computes dst = a · scale.
func VecScaleF32(dst, a []float32, scale float32, n int) {
	for i := 0; i < n; i++ {
		dst[i] = a[i] * scale
	}
}

// dotF32 computes the dot product of two equal-length slices, unrolled to
// keep several independent accumulators in flight.
func dotF32(a, b []float32) float32 {
	n := len(a)
	sum0, sum1, sum2, sum3 := float32(0), float32(0), float32(0), float32(0)
	i := 0

	for ; i+16 <= n; i += 16 {
		sum0 += a[i+0]*b[i+0] + a[i+1]*b[i+1] + a[i+2]*b[i+2] + a[i+3]*b[i+3]
		sum1 += a[i+4]*b[i+4] + a[i+5]*b[i+5] + a[i+6]*b[i+6] + a[i+7]*b[i+7]
		sum2 += a[i+8]*b[i+8] + a[i+9]*b[i+9] + a[i+10]*b[i+10] + a[i+11]*b[i+11]
		sum3 += a[i+12]*b[i+12] + a[i+13]*b[i+13] + a[i+14]*b[i+14] + a[i+15]*b[i+15]
	}
	for ; i+4 <= n; i += 4 {
		sum0 += a[i+0]*b[i+0] + a[i+1]*b[i+1] + a[i+2]*b[i+2] + a[i+3]*b[i+3]
	}
	for ; i < n; i++ {
		sum0 += a[i] * b[i]
	}
	return (sum0 + sum1) + (sum2 + sum3)
}

// dotINT8 accumulates an int8 dot product in int32.
func dotINT8(a, b []int8) int32 {
	sum := int32(0)
	for i := range a {
		sum += int32(a[i]) * int32(b[i])
	}
	return sum
}
