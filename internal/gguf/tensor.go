package gguf

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/x448/float16"

	"github.com/headlands-org/go-dualembed/internal/kernels"
)

// TensorView provides typed access to tensor data
type TensorView struct {
	desc *TensorDesc
	data []byte
}

// NewTensorView creates a view over tensor data
func NewTensorView(desc *TensorDesc, data []byte) *TensorView {
	return &TensorView{
		desc: desc,
		data: data,
	}
}

// Shape returns the tensor shape
func (tv *TensorView) Shape() []int {
	return tv.desc.Shape
}

// DType returns the tensor data type
func (tv *TensorView) DType() DType {
	return tv.desc.DType
}

// Matrix returns the tensor as rows × cols.
func (tv *TensorView) Matrix() (rows, cols int) {
	return tv.desc.Matrix()
}

// NumElements returns total number of elements
func (tv *TensorView) NumElements() int {
	rows, cols := tv.desc.Matrix()
	return rows * cols
}

// AsFloat32 returns tensor data as []float32 (for F32 tensors). The slice
// aliases the reader's buffer.
func (tv *TensorView) AsFloat32() ([]float32, error) {
	if tv.desc.DType != DTypeF32 {
		return nil, fmt.Errorf("tensor is not F32: %s", tv.desc.DType)
	}

	n := tv.NumElements()
	if len(tv.data) < n*4 {
		return nil, fmt.Errorf("insufficient data for F32 tensor")
	}
	if n == 0 {
		return nil, nil
	}

	return unsafe.Slice((*float32)(unsafe.Pointer(&tv.data[0])), n), nil
}

// Float64s decodes an F64 tensor into a fresh row-major slice.
func (tv *TensorView) Float64s() ([]float64, error) {
	if tv.desc.DType != DTypeF64 {
		return nil, fmt.Errorf("tensor is not F64: %s", tv.desc.DType)
	}
	n := tv.NumElements()
	if len(tv.data) < n*8 {
		return nil, fmt.Errorf("insufficient data for F64 tensor")
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(byteOrder.Uint64(tv.data[8*i:]))
	}
	return out, nil
}

// AsInt32 returns tensor data as []int32 (for I32 tensors)
func (tv *TensorView) AsInt32() ([]int32, error) {
	if tv.desc.DType != DTypeI32 {
		return nil, fmt.Errorf("tensor is not I32: %s", tv.desc.DType)
	}

	n := tv.NumElements()
	if len(tv.data) < n*4 {
		return nil, fmt.Errorf("insufficient data for I32 tensor")
	}
	if n == 0 {
		return nil, nil
	}

	return unsafe.Slice((*int32)(unsafe.Pointer(&tv.data[0])), n), nil
}

// Q8_0 parses a Q8_0 tensor into its int8 values and per-block scales.
func (tv *TensorView) Q8_0() (*kernels.Q8_0Tensor, error) {
	if tv.desc.DType != DTypeQ8_0 {
		return nil, fmt.Errorf("tensor is not Q8_0: %s", tv.desc.DType)
	}
	rows, cols := tv.desc.Matrix()
	if len(tv.data) < rows*DTypeQ8_0.RowBytes(cols) {
		return nil, fmt.Errorf("insufficient data for Q8_0 tensor")
	}
	return kernels.ParseQ8_0(tv.data, rows, cols), nil
}

// Float32s decodes any floating or quantized tensor into a fresh row-major
// float32 slice.
func (tv *TensorView) Float32s() ([]float32, error) {
	switch tv.desc.DType {
	case DTypeF32:
		src, err := tv.AsFloat32()
		if err != nil {
			return nil, err
		}
		return append([]float32(nil), src...), nil
	case DTypeF16:
		n := tv.NumElements()
		if len(tv.data) < n*2 {
			return nil, fmt.Errorf("insufficient data for F16 tensor")
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(byteOrder.Uint16(tv.data[2*i:])).Float32()
		}
		return out, nil
	case DTypeQ8_0:
		q, err := tv.Q8_0()
		if err != nil {
			return nil, err
		}
		return q.Dequantize(), nil
	}
	return nil, fmt.Errorf("cannot decode %s tensor %s as float", tv.desc.DType, tv.desc.Name)
}
