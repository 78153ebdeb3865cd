package gguf

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"runtime"
	"slices"

	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"

	"github.com/headlands-org/go-dualembed/internal/kernels"
)

// Tensor is a named tensor ready to be written. Shape follows GGUF order,
// innermost dimension first.
type Tensor struct {
	Name  string
	DType DType
	Shape []uint64
	Data  []byte

	offset uint64
}

// NewF32 wraps a row-major [rows, cols] matrix as an F32 tensor.
func NewF32(name string, rows, cols int, values []float32) *Tensor {
	if len(values) != rows*cols {
		panic(fmt.Sprintf("gguf: tensor %s has %d values, want %d", name, len(values), rows*cols))
	}
	data := make([]byte, 4*len(values))
	for i, v := range values {
		byteOrder.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return &Tensor{Name: name, DType: DTypeF32, Shape: []uint64{uint64(cols), uint64(rows)}, Data: data}
}

// NewF64 wraps a row-major [rows, cols] matrix as an F64 tensor.
func NewF64(name string, rows, cols int, values []float64) *Tensor {
	if len(values) != rows*cols {
		panic(fmt.Sprintf("gguf: tensor %s has %d values, want %d", name, len(values), rows*cols))
	}
	data := make([]byte, 8*len(values))
	for i, v := range values {
		byteOrder.PutUint64(data[8*i:], math.Float64bits(v))
	}
	return &Tensor{Name: name, DType: DTypeF64, Shape: []uint64{uint64(cols), uint64(rows)}, Data: data}
}

// NewQ8_0 quantizes a row-major [rows, cols] matrix into Q8_0 blocks.
func NewQ8_0(name string, rows, cols int, values []float32) *Tensor {
	if len(values) != rows*cols {
		panic(fmt.Sprintf("gguf: tensor %s has %d values, want %d", name, len(values), rows*cols))
	}
	return &Tensor{
		Name:  name,
		DType: DTypeQ8_0,
		Shape: []uint64{uint64(cols), uint64(rows)},
		Data:  kernels.EncodeQ8_0(values, rows, cols),
	}
}

// Size returns the encoded byte size implied by the shape and type.
func (t *Tensor) Size() uint64 {
	if len(t.Shape) == 0 {
		return 0
	}
	rows := uint64(1)
	for _, n := range t.Shape[1:] {
		rows *= n
	}
	return rows * uint64(t.DType.RowBytes(int(t.Shape[0])))
}

// WriteFile creates path and writes kv and ts to it.
func WriteFile(path string, kv map[string]any, ts []*Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := Write(f, kv, ts); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// Write encodes a GGUF v3 file. Keys are written sorted, tensors sorted by
// name, and tensor data in parallel at aligned offsets.
func Write(f *os.File, kv map[string]any, ts []*Tensor) error {
	for _, t := range ts {
		if uint64(len(t.Data)) != t.Size() {
			return fmt.Errorf("tensor %s: %d bytes, shape %v needs %d", t.Name, len(t.Data), t.Shape, t.Size())
		}
	}

	for _, v := range []any{uint32(GGUFMagic), uint32(GGUFVersion), uint64(len(ts)), uint64(len(kv))} {
		if err := binary.Write(f, byteOrder, v); err != nil {
			return err
		}
	}

	keys := maps.Keys(kv)
	slices.Sort(keys)
	for _, key := range keys {
		if err := writeKV(f, key, kv[key]); err != nil {
			return err
		}
	}

	ts = slices.Clone(ts)
	slices.SortStableFunc(ts, func(a, b *Tensor) int { return cmp.Compare(a.Name, b.Name) })

	var s uint64
	for _, t := range ts {
		t.offset = s
		if err := writeTensorInfo(f, t); err != nil {
			return err
		}
		s += t.Size()
		s = uint64(align(int(s), Alignment))
	}

	offset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	offset = int64(align(int(offset), Alignment))

	// an empty tail still has to reach the aligned data offset
	if err := f.Truncate(offset + int64(s)); err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, t := range ts {
		t := t
		w := io.NewOffsetWriter(f, offset+int64(t.offset))
		g.Go(func() error {
			_, err := w.Write(t.Data)
			return err
		})
	}
	return g.Wait()
}

func writeKV(w io.Writer, key string, v any) error {
	if err := writeString(w, key); err != nil {
		return err
	}

	switch v := v.(type) {
	case uint32:
		return writeTyped(w, MetadataUint32, v)
	case int32:
		return writeTyped(w, MetadataInt32, v)
	case int:
		return writeTyped(w, MetadataInt64, int64(v))
	case int64:
		return writeTyped(w, MetadataInt64, v)
	case uint64:
		return writeTyped(w, MetadataUint64, v)
	case float32:
		return writeTyped(w, MetadataFloat32, v)
	case float64:
		return writeTyped(w, MetadataFloat64, v)
	case bool:
		return writeTyped(w, MetadataBool, v)
	case string:
		if err := binary.Write(w, byteOrder, MetadataString); err != nil {
			return err
		}
		return writeString(w, v)
	case []int32:
		return writeArray(w, MetadataInt32, v)
	case []float32:
		return writeArray(w, MetadataFloat32, v)
	case []string:
		if err := binary.Write(w, byteOrder, MetadataArray); err != nil {
			return err
		}
		if err := binary.Write(w, byteOrder, MetadataString); err != nil {
			return err
		}
		if err := binary.Write(w, byteOrder, uint64(len(v))); err != nil {
			return err
		}
		for _, s := range v {
			if err := writeString(w, s); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("metadata %s: unsupported type %T", key, v)
}

func writeTyped[V any](w io.Writer, t MetadataValueType, v V) error {
	if err := binary.Write(w, byteOrder, t); err != nil {
		return err
	}
	return binary.Write(w, byteOrder, v)
}

func writeArray[S ~[]E, E any](w io.Writer, t MetadataValueType, s S) error {
	if err := binary.Write(w, byteOrder, MetadataArray); err != nil {
		return err
	}
	if err := binary.Write(w, byteOrder, t); err != nil {
		return err
	}
	if err := binary.Write(w, byteOrder, uint64(len(s))); err != nil {
		return err
	}
	return binary.Write(w, byteOrder, s)
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, byteOrder, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeTensorInfo(w io.Writer, t *Tensor) error {
	if err := writeString(w, t.Name); err != nil {
		return err
	}
	if err := binary.Write(w, byteOrder, uint32(len(t.Shape))); err != nil {
		return err
	}
	for _, n := range t.Shape {
		if err := binary.Write(w, byteOrder, n); err != nil {
			return err
		}
	}
	if err := binary.Write(w, byteOrder, t.DType); err != nil {
		return err
	}
	return binary.Write(w, byteOrder, t.offset)
}
