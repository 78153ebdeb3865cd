package gguf

import (
	"fmt"
	"math"
	"os"
	"sort"

	"golang.org/x/exp/mmap"
)

// Reader provides read access to a GGUF file via memory mapping
type Reader struct {
	path     string
	mmap     *mmap.ReaderAt
	data     []byte
	header   Header
	metadata map[string]Metadata
	tensors  map[string]*TensorDesc
	order    []string
	dataOff  int64 // offset where tensor data begins
}

// TensorDesc describes a tensor with its location in the mapped file.
// Shape is in GGUF order: Shape[0] is the row length.
type TensorDesc struct {
	Name   string
	DType  DType
	Shape  []int
	Offset int64 // relative to the data section
	Size   int64 // size in bytes
}

// Matrix returns the tensor as rows × cols, collapsing outer dimensions.
func (d *TensorDesc) Matrix() (rows, cols int) {
	if len(d.Shape) == 0 {
		return 0, 0
	}
	rows = 1
	for _, n := range d.Shape[1:] {
		rows *= n
	}
	return rows, d.Shape[0]
}

// Open opens a GGUF file and memory-maps it
func Open(path string) (*Reader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	mmapReader, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap file: %w", err)
	}

	data := make([]byte, info.Size())
	if _, err := mmapReader.ReadAt(data, 0); err != nil {
		mmapReader.Close()
		return nil, fmt.Errorf("read mmap: %w", err)
	}

	r := &Reader{
		path:     path,
		mmap:     mmapReader,
		data:     data,
		metadata: make(map[string]Metadata),
		tensors:  make(map[string]*TensorDesc),
	}

	if err := r.parse(); err != nil {
		r.Close()
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return r, nil
}

// Close unmaps the file
func (r *Reader) Close() error {
	if r.mmap == nil {
		return nil
	}
	err := r.mmap.Close()
	r.mmap = nil
	return err
}

// Path returns the file the reader was opened on.
func (r *Reader) Path() string { return r.path }

// parse reads the GGUF header, metadata, and tensor info
func (r *Reader) parse() (err error) {
	// truncated files surface as out-of-range slicing
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("truncated file: %v", p)
		}
	}()

	offset := 0
	if len(r.data) < 24 {
		return fmt.Errorf("file too small for header")
	}

	r.header.Magic = byteOrder.Uint32(r.data[offset:])
	offset += 4
	if r.header.Magic != GGUFMagic {
		return fmt.Errorf("invalid magic: 0x%08x", r.header.Magic)
	}

	r.header.Version = byteOrder.Uint32(r.data[offset:])
	offset += 4
	if r.header.Version != GGUFVersion {
		return fmt.Errorf("unsupported version: %d", r.header.Version)
	}

	r.header.TensorCount = byteOrder.Uint64(r.data[offset:])
	offset += 8

	r.header.MetadataKVSize = byteOrder.Uint64(r.data[offset:])
	offset += 8

	for i := uint64(0); i < r.header.MetadataKVSize; i++ {
		md, n, err := r.readMetadata(offset)
		if err != nil {
			return fmt.Errorf("read metadata %d: %w", i, err)
		}
		r.metadata[md.Key] = md
		offset += n
	}

	for i := uint64(0); i < r.header.TensorCount; i++ {
		ti, n, err := r.readTensorInfo(offset)
		if err != nil {
			return fmt.Errorf("read tensor info %d: %w", i, err)
		}
		offset += n

		shape := make([]int, len(ti.Dims))
		for j, dim := range ti.Dims {
			shape[j] = int(dim)
		}
		desc := &TensorDesc{
			Name:   ti.Name,
			DType:  ti.DType,
			Shape:  shape,
			Offset: int64(ti.Offset),
		}
		rows, cols := desc.Matrix()
		desc.Size = int64(rows) * int64(ti.DType.RowBytes(cols))
		r.tensors[ti.Name] = desc
		r.order = append(r.order, ti.Name)
	}

	r.dataOff = int64(align(offset, Alignment))

	return nil
}

// readMetadata reads a single metadata key-value pair
func (r *Reader) readMetadata(offset int) (Metadata, int, error) {
	start := offset
	md := Metadata{}

	keyLen := byteOrder.Uint64(r.data[offset:])
	offset += 8
	md.Key = string(r.data[offset : offset+int(keyLen)])
	offset += int(keyLen)

	md.Type = MetadataValueType(byteOrder.Uint32(r.data[offset:]))
	offset += 4

	var err error
	md.Value, offset, err = r.readMetadataValue(offset, md.Type)
	if err != nil {
		return md, 0, err
	}

	return md, offset - start, nil
}

// readMetadataValue reads a metadata value
func (r *Reader) readMetadataValue(offset int, typ MetadataValueType) (interface{}, int, error) {
	switch typ {
	case MetadataUint8:
		return r.data[offset], offset + 1, nil
	case MetadataInt8:
		return int8(r.data[offset]), offset + 1, nil
	case MetadataUint16:
		return byteOrder.Uint16(r.data[offset:]), offset + 2, nil
	case MetadataInt16:
		return int16(byteOrder.Uint16(r.data[offset:])), offset + 2, nil
	case MetadataUint32:
		return byteOrder.Uint32(r.data[offset:]), offset + 4, nil
	case MetadataInt32:
		return int32(byteOrder.Uint32(r.data[offset:])), offset + 4, nil
	case MetadataFloat32:
		return math.Float32frombits(byteOrder.Uint32(r.data[offset:])), offset + 4, nil
	case MetadataUint64:
		return byteOrder.Uint64(r.data[offset:]), offset + 8, nil
	case MetadataInt64:
		return int64(byteOrder.Uint64(r.data[offset:])), offset + 8, nil
	case MetadataFloat64:
		return math.Float64frombits(byteOrder.Uint64(r.data[offset:])), offset + 8, nil
	case MetadataBool:
		return r.data[offset] != 0, offset + 1, nil
	case MetadataString:
		strlen := byteOrder.Uint64(r.data[offset:])
		offset += 8
		str := string(r.data[offset : offset+int(strlen)])
		return str, offset + int(strlen), nil
	case MetadataArray:
		arrType := MetadataValueType(byteOrder.Uint32(r.data[offset:]))
		offset += 4
		arrLen := byteOrder.Uint64(r.data[offset:])
		offset += 8
		arr := make([]interface{}, arrLen)
		for i := uint64(0); i < arrLen; i++ {
			var err error
			arr[i], offset, err = r.readMetadataValue(offset, arrType)
			if err != nil {
				return nil, offset, err
			}
		}
		return arr, offset, nil
	default:
		return nil, offset, fmt.Errorf("unknown metadata type: %d", typ)
	}
}

// readTensorInfo reads tensor information
func (r *Reader) readTensorInfo(offset int) (TensorInfo, int, error) {
	start := offset
	ti := TensorInfo{}

	nameLen := byteOrder.Uint64(r.data[offset:])
	offset += 8
	ti.Name = string(r.data[offset : offset+int(nameLen)])
	offset += int(nameLen)

	ti.NDim = byteOrder.Uint32(r.data[offset:])
	offset += 4

	ti.Dims = make([]uint64, ti.NDim)
	for i := uint32(0); i < ti.NDim; i++ {
		ti.Dims[i] = byteOrder.Uint64(r.data[offset:])
		offset += 8
	}

	ti.DType = DType(byteOrder.Uint32(r.data[offset:]))
	offset += 4
	if ti.DType.ElementsPerBlock() == 0 {
		return ti, 0, fmt.Errorf("tensor %s: unsupported type %s", ti.Name, ti.DType)
	}

	ti.Offset = byteOrder.Uint64(r.data[offset:])
	offset += 8

	return ti, offset - start, nil
}

// GetMetadata returns metadata value by key
func (r *Reader) GetMetadata(key string) (interface{}, bool) {
	md, ok := r.metadata[key]
	if !ok {
		return nil, false
	}
	return md.Value, true
}

// String returns a string metadata value.
func (r *Reader) String(key string) (string, bool) {
	v, ok := r.GetMetadata(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int returns an integer metadata value of any width.
func (r *Reader) Int(key string) (int64, bool) {
	v, ok := r.GetMetadata(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	}
	return 0, false
}

// Bool returns a boolean metadata value.
func (r *Reader) Bool(key string) (bool, bool) {
	v, ok := r.GetMetadata(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Float returns a float32 or float64 metadata value.
func (r *Reader) Float(key string) (float64, bool) {
	v, ok := r.GetMetadata(key)
	if !ok {
		return 0, false
	}
	switch f := v.(type) {
	case float32:
		return float64(f), true
	case float64:
		return f, true
	}
	return 0, false
}

// Ints returns an int32 array metadata value.
func (r *Reader) Ints(key string) ([]int, error) {
	arr, err := r.array(key)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(arr))
	for i, e := range arr {
		n, ok := e.(int32)
		if !ok {
			return nil, fmt.Errorf("%s[%d] is %T, want int32", key, i, e)
		}
		out[i] = int(n)
	}
	return out, nil
}

// Strings returns a string array metadata value.
func (r *Reader) Strings(key string) ([]string, error) {
	arr, err := r.array(key)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(arr))
	for i, e := range arr {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("%s[%d] is %T, want string", key, i, e)
		}
		out[i] = s
	}
	return out, nil
}

func (r *Reader) array(key string) ([]interface{}, error) {
	v, ok := r.GetMetadata(key)
	if !ok {
		return nil, fmt.Errorf("%s not found", key)
	}
	arr, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s is %T, want array", key, v)
	}
	return arr, nil
}

// Keys returns the metadata keys in sorted order.
func (r *Reader) Keys() []string {
	keys := make([]string, 0, len(r.metadata))
	for k := range r.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetTensor returns tensor descriptor by name
func (r *Reader) GetTensor(name string) (*TensorDesc, bool) {
	desc, ok := r.tensors[name]
	return desc, ok
}

// ListTensors returns all tensor names in file order
func (r *Reader) ListTensors() []string {
	return append([]string(nil), r.order...)
}

// GetTensorData returns a view of the tensor data as a byte slice
func (r *Reader) GetTensorData(name string) ([]byte, error) {
	desc, ok := r.tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor not found: %s", name)
	}

	offset := r.dataOff + desc.Offset
	if offset < 0 || offset+desc.Size > int64(len(r.data)) {
		return nil, fmt.Errorf("tensor data out of bounds: %s", name)
	}

	return r.data[offset : offset+desc.Size], nil
}

// View returns a typed view of the named tensor.
func (r *Reader) View(name string) (*TensorView, error) {
	desc, ok := r.tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor not found: %s", name)
	}
	data, err := r.GetTensorData(name)
	if err != nil {
		return nil, err
	}
	return NewTensorView(desc, data), nil
}

// Header returns the GGUF header
func (r *Reader) Header() Header {
	return r.header
}
