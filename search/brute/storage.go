package brute

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/headlands-org/go-dualembed/search"
)

var bruteMagic = [4]byte{'B', 'R', 'U', 'T'}

const bruteVersion uint16 = 2

type bruteHeader struct {
	Magic     [4]byte
	Version   uint16
	Metric    uint8
	_         uint8
	Dimension uint32
	Count     uint32
}

// Serializer implements search.Serializer for brute-force indices.
type Serializer struct{}

// Serialize encodes the index.
func (Serializer) Serialize(idx search.Index) ([]byte, error) {
	bruteIdx, ok := idx.(*Index)
	if !ok {
		return nil, fmt.Errorf("brute: serializer expects *Index, got %T", idx)
	}
	var buf bytes.Buffer
	if err := writeIndex(&buf, bruteIdx); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deserialize decodes an index from bytes.
func (Serializer) Deserialize(data []byte) (search.Index, error) {
	return readIndex(bytes.NewReader(data))
}

// WriteFile serializes idx to path.
func WriteFile(path string, idx search.Index) error {
	data, err := Serializer{}.Serialize(idx)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadFile loads an index written by WriteFile.
func ReadFile(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	idx, err := readIndex(f)
	if err != nil {
		return nil, fmt.Errorf("brute: read %s: %w", path, err)
	}
	return idx, nil
}

func writeIndex(w io.Writer, idx *Index) error {
	hdr := bruteHeader{
		Magic:     bruteMagic,
		Version:   bruteVersion,
		Metric:    uint8(idx.metric),
		Dimension: uint32(idx.dimension),
		Count:     uint32(len(idx.ids)),
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, idx.ids); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, idx.data)
}

func readIndex(r io.Reader) (*Index, error) {
	var hdr bruteHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if hdr.Magic != bruteMagic {
		return nil, fmt.Errorf("brute: invalid magic: %q", hdr.Magic)
	}
	if hdr.Version != bruteVersion {
		return nil, fmt.Errorf("brute: unsupported version %d", hdr.Version)
	}
	if metric := search.Metric(hdr.Metric); metric != search.Cosine && metric != search.Inner {
		return nil, fmt.Errorf("brute: unsupported metric %d", hdr.Metric)
	}

	count := int(hdr.Count)
	idx := &Index{
		dimension: int(hdr.Dimension),
		metric:    search.Metric(hdr.Metric),
		ids:       make([]int32, count),
		idToIdx:   make(map[int32]int, count),
		data:      make([]float32, count*int(hdr.Dimension)),
	}
	if err := binary.Read(r, binary.LittleEndian, idx.ids); err != nil {
		return nil, err
	}
	for i, id := range idx.ids {
		idx.idToIdx[id] = i
	}
	if err := binary.Read(r, binary.LittleEndian, idx.data); err != nil {
		return nil, err
	}
	idx.prepare()
	return idx, nil
}
