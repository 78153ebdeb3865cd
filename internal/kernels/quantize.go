package kernels

import (
	"math"

	"github.com/x448/float16"
)

// Q8_0 block geometry: 32 int8 values sharing one float16 scale.
const (
	Q8BlockSize  = 32
	Q8BlockBytes = 34
)

// QuantizedTensorINT8 is a symmetric INT8 tensor: x ≈ q·Scale.
type QuantizedTensorINT8 struct {
	Data  []int8
	Scale float32
	Rows  int
	Cols  int
}

// Q8_0Tensor holds pre-parsed Q8_0 weights so matmul avoids float16
// conversion in the inner loop.
type Q8_0Tensor struct {
	Qs     []int8
	Scales []float32 // one per 32-element block, blocks never span rows
	Rows   int
	Cols   int
}

// QuantizeSymmetricINT8 maps [-absMax, absMax] onto [-127, 127]. Zero is
// preserved exactly.
func QuantizeSymmetricINT8(x []float32, rows, cols int) QuantizedTensorINT8 {
	if len(x) != rows*cols {
		panic("QuantizeSymmetricINT8: size mismatch")
	}

	absMax := float32(0)
	for _, v := range x {
		absMax = max(absMax, float32(math.Abs(float64(v))))
	}
	if absMax == 0 {
		return QuantizedTensorINT8{Data: make([]int8, len(x)), Scale: 1.0, Rows: rows, Cols: cols}
	}

	scale := absMax / 127.0
	data := make([]int8, len(x))
	for i, v := range x {
		q := math.Round(float64(v / scale))
		data[i] = int8(max(-127, min(127, q)))
	}
	return QuantizedTensorINT8{Data: data, Scale: scale, Rows: rows, Cols: cols}
}

// EncodeQ8_0 packs a row-major [rows, cols] matrix into Q8_0 blocks. Each row
// is padded to a whole number of blocks.
func EncodeQ8_0(x []float32, rows, cols int) []byte {
	blocksPerRow := (cols + Q8BlockSize - 1) / Q8BlockSize
	out := make([]byte, rows*blocksPerRow*Q8BlockBytes)
	for r := 0; r < rows; r++ {
		row := x[r*cols : (r+1)*cols]
		for b := 0; b < blocksPerRow; b++ {
			start := b * Q8BlockSize
			end := min(start+Q8BlockSize, cols)
			absMax := float32(0)
			for _, v := range row[start:end] {
				absMax = max(absMax, float32(math.Abs(float64(v))))
			}
			scale := absMax / 127
			block := out[(r*blocksPerRow+b)*Q8BlockBytes:]
			bits := float16.Fromfloat32(scale).Bits()
			block[0], block[1] = byte(bits), byte(bits>>8)
			if scale == 0 {
				continue
			}
			inv := 1 / scale
			for i, v := range row[start:end] {
				q := math.Round(float64(v * inv))
				block[2+i] = byte(int8(max(-127, min(127, q))))
			}
		}
	}
	return out
}

// ParseQ8_0 unpacks Q8_0 bytes for a [rows, cols] matrix.
func ParseQ8_0(data []byte, rows, cols int) *Q8_0Tensor {
	blocksPerRow := (cols + Q8BlockSize - 1) / Q8BlockSize
	t := &Q8_0Tensor{
		Qs:     make([]int8, rows*cols),
		Scales: make([]float32, rows*blocksPerRow),
		Rows:   rows,
		Cols:   cols,
	}
	for r := 0; r < rows; r++ {
		for b := 0; b < blocksPerRow; b++ {
			block := data[(r*blocksPerRow+b)*Q8BlockBytes:]
			t.Scales[r*blocksPerRow+b] = float16.Frombits(uint16(block[0]) | uint16(block[1])<<8).Float32()
			start := b * Q8BlockSize
			end := min(start+Q8BlockSize, cols)
			for i := start; i < end; i++ {
				t.Qs[r*cols+i] = int8(block[2+i-start])
			}
		}
	}
	return t
}

// Dequantize expands the tensor to float32.
func (t *Q8_0Tensor) Dequantize() []float32 {
	blocksPerRow := (t.Cols + Q8BlockSize - 1) / Q8BlockSize
	out := make([]float32, t.Rows*t.Cols)
	for r := 0; r < t.Rows; r++ {
		for c := 0; c < t.Cols; c++ {
			out[r*t.Cols+c] = float32(t.Qs[r*t.Cols+c]) * t.Scales[r*blocksPerRow+c/Q8BlockSize]
		}
	}
	return out
}

// MatMulQ8_0INT8 multiplies INT8 activations [batch, inDim] by Q8_0 weights
// [outDim, inDim], accumulating each 32-wide block in int32.
func MatMulQ8_0INT8(dst []float32, weight *Q8_0Tensor, input *QuantizedTensorINT8, batch, inDim, outDim int) {
	if weight.Rows != outDim || weight.Cols != inDim {
		panic("MatMulQ8_0INT8: weight shape mismatch")
	}
	if input.Rows != batch || input.Cols != inDim {
		panic("MatMulQ8_0INT8: input shape mismatch")
	}
	if len(dst) < batch*outDim {
		panic("MatMulQ8_0INT8: dst too small")
	}

	blocksPerRow := (inDim + Q8BlockSize - 1) / Q8BlockSize
	for i := 0; i < batch; i++ {
		inputOffset := i * inDim
		for j := 0; j < outDim; j++ {
			sum := float32(0)
			weightOffset := j * inDim
			for b := 0; b < blocksPerRow; b++ {
				start := b * Q8BlockSize
				end := min(start+Q8BlockSize, inDim)
				blockSum := dotINT8(input.Data[inputOffset+start:inputOffset+end], weight.Qs[weightOffset+start:weightOffset+end])
				sum += float32(blockSum) * weight.Scales[j*blocksPerRow+b]
			}
			// input scale applied once per output
			dst[i*outDim+j] = sum * input.Scale
		}
	}
}
