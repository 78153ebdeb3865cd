// Package gguf reads and writes the GGUF container used for checkpoints and
// compact serving artifacts.
package gguf

import (
	"encoding/binary"
	"fmt"
)

// GGUF format constants
const (
	GGUFMagic   = 0x46554747 // "GGUF" in little-endian
	GGUFVersion = 3
	Alignment   = 32
)

// DType represents tensor data types in GGUF
type DType uint32

const (
	DTypeF32  DType = 0
	DTypeF16  DType = 1
	DTypeQ8_0 DType = 8
	DTypeI8   DType = 16
	DTypeI32  DType = 18
	DTypeF64  DType = 28
)

// String returns the name of the data type
func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeQ8_0:
		return "Q8_0"
	case DTypeI8:
		return "I8"
	case DTypeI32:
		return "I32"
	case DTypeF64:
		return "F64"
	}
	return fmt.Sprintf("Unknown(%d)", d)
}

// BlockSize returns the block size in bytes
func (d DType) BlockSize() int {
	switch d {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF64:
		return 8
	case DTypeF16:
		return 2
	case DTypeQ8_0:
		return 34 // 32 x int8 + 2 bytes scale (f16)
	case DTypeI8:
		return 1
	default:
		return 0
	}
}

// ElementsPerBlock returns number of elements per quantization block
func (d DType) ElementsPerBlock() int {
	switch d {
	case DTypeF32, DTypeF16, DTypeI8, DTypeI32, DTypeF64:
		return 1
	case DTypeQ8_0:
		return 32
	default:
		return 0
	}
}

// RowBytes returns the encoded size of one row of n elements. Quantized rows
// are padded to whole blocks.
func (d DType) RowBytes(n int) int {
	per := d.ElementsPerBlock()
	if per == 0 {
		return 0
	}
	return (n + per - 1) / per * d.BlockSize()
}

// MetadataValueType represents the type of a metadata value
type MetadataValueType uint32

const (
	MetadataUint8   MetadataValueType = 0
	MetadataInt8    MetadataValueType = 1
	MetadataUint16  MetadataValueType = 2
	MetadataInt16   MetadataValueType = 3
	MetadataUint32  MetadataValueType = 4
	MetadataInt32   MetadataValueType = 5
	MetadataFloat32 MetadataValueType = 6
	MetadataBool    MetadataValueType = 7
	MetadataString  MetadataValueType = 8
	MetadataArray   MetadataValueType = 9
	MetadataUint64  MetadataValueType = 10
	MetadataInt64   MetadataValueType = 11
	MetadataFloat64 MetadataValueType = 12
)

// Header is the GGUF file header
type Header struct {
	Magic          uint32
	Version        uint32
	TensorCount    uint64
	MetadataKVSize uint64
}

// TensorInfo describes a tensor in the GGUF file
type TensorInfo struct {
	Name   string
	NDim   uint32
	Dims   []uint64
	DType  DType
	Offset uint64
}

// Metadata represents a key-value pair from GGUF metadata
type Metadata struct {
	Key   string
	Type  MetadataValueType
	Value interface{}
}

var byteOrder = binary.LittleEndian

// align rounds up to the nearest multiple of alignment
func align(offset, alignment int) int {
	return (offset + alignment - 1) &^ (alignment - 1)
}
