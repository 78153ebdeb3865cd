package gguf

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.gguf")
	kv := map[string]any{
		"general.architecture": "dualembed",
		"dualembed.num_neg":    int64(4),
		"dualembed.labels":     []string{"greet", "bye"},
		"dualembed.scale":      float32(0.5),
		"dualembed.trained":    true,
		"dualembed.sizes":      []int32{8, 4},
	}
	weights := make([]float32, 3*40)
	for i := range weights {
		weights[i] = float32(math.Sin(float64(i)))
	}
	ts := []*Tensor{
		NewF32("b/bias", 1, 3, []float32{1, 2, 3}),
		NewF32("a/kernel", 2, 3, []float32{1, -2, 3, -4, 5, -6}),
		NewQ8_0("c/kernel", 3, 40, weights),
	}
	if err := WriteFile(path, kv, ts); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestRoundTripMetadata(t *testing.T) {
	r, err := Open(writeSample(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if h := r.Header(); h.TensorCount != 3 || h.MetadataKVSize != 6 {
		t.Fatalf("header = %+v", h)
	}
	if arch, ok := r.String("general.architecture"); !ok || arch != "dualembed" {
		t.Errorf("architecture = %q, %v", arch, ok)
	}
	if n, ok := r.Int("dualembed.num_neg"); !ok || n != 4 {
		t.Errorf("num_neg = %d, %v", n, ok)
	}
	if b, ok := r.Bool("dualembed.trained"); !ok || !b {
		t.Errorf("trained = %v, %v", b, ok)
	}
	if f, ok := r.Float("dualembed.scale"); !ok || f != 0.5 {
		t.Errorf("scale = %v, %v", f, ok)
	}
	if labels, err := r.Strings("dualembed.labels"); err != nil || len(labels) != 2 || labels[1] != "bye" {
		t.Errorf("labels = %v, %v", labels, err)
	}
	if sizes, err := r.Ints("dualembed.sizes"); err != nil || len(sizes) != 2 || sizes[0] != 8 {
		t.Errorf("sizes = %v, %v", sizes, err)
	}
	if _, err := r.Ints("dualembed.labels"); err == nil {
		t.Error("expected a type error for string elements")
	}
	if _, err := r.Strings("dualembed.missing"); err == nil {
		t.Error("expected an error for a missing key")
	}

	keys := r.Keys()
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("keys not sorted: %v", keys)
		}
	}
}

func TestRoundTripTensors(t *testing.T) {
	r, err := Open(writeSample(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	names := r.ListTensors()
	want := []string{"a/kernel", "b/bias", "c/kernel"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("tensor order = %v, want %v", names, want)
		}
	}

	view, err := r.View("a/kernel")
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if rows, cols := view.Matrix(); rows != 2 || cols != 3 {
		t.Fatalf("matrix = %dx%d", rows, cols)
	}
	got, err := view.AsFloat32()
	if err != nil {
		t.Fatalf("AsFloat32: %v", err)
	}
	for i, v := range []float32{1, -2, 3, -4, 5, -6} {
		if got[i] != v {
			t.Errorf("a/kernel[%d] = %v, want %v", i, got[i], v)
		}
	}

	desc, _ := r.GetTensor("c/kernel")
	if desc.Size != 3*2*34 {
		t.Errorf("q8 size = %d", desc.Size)
	}
	q, err := r.View("c/kernel")
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	deq, err := q.Float32s()
	if err != nil {
		t.Fatalf("Float32s: %v", err)
	}
	for i, v := range deq {
		if want := math.Sin(float64(i)); math.Abs(float64(v)-want) > 0.01 {
			t.Errorf("c/kernel[%d] = %v, want %v", i, v, want)
		}
	}

	if _, err := q.AsFloat32(); err == nil {
		t.Error("AsFloat32 on Q8_0 should fail")
	}
	if _, err := r.GetTensorData("missing"); err == nil {
		t.Error("missing tensor should fail")
	}
}

func TestWriteRejectsShortData(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "bad.gguf"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	bad := &Tensor{Name: "x", DType: DTypeF32, Shape: []uint64{4, 2}, Data: make([]byte, 8)}
	if err := Write(f, nil, []*Tensor{bad}); err == nil {
		t.Fatal("expected size error")
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.gguf")
	if err := os.WriteFile(path, []byte("not a gguf file at all, really"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for bad magic")
	}

	good, err := os.ReadFile(writeSample(t))
	if err != nil {
		t.Fatal(err)
	}
	truncated := filepath.Join(t.TempDir(), "truncated.gguf")
	if err := os.WriteFile(truncated, good[:40], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(truncated); err == nil {
		t.Fatal("expected error for truncated header")
	}
}

func TestRowBytes(t *testing.T) {
	cases := []struct {
		d    DType
		n    int
		want int
	}{
		{DTypeF32, 3, 12},
		{DTypeF16, 3, 6},
		{DTypeQ8_0, 32, 34},
		{DTypeQ8_0, 33, 68},
		{DTypeI8, 5, 5},
	}
	for _, tc := range cases {
		if got := tc.d.RowBytes(tc.n); got != tc.want {
			t.Errorf("%s.RowBytes(%d) = %d, want %d", tc.d, tc.n, got, tc.want)
		}
	}
}

func TestF64IsExact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f64.gguf")
	values := []float64{math.Pi, -1e-300, 1.0 / 3}
	if err := WriteFile(path, nil, []*Tensor{NewF64("w", 1, 3, values)}); err != nil {
		t.Fatal(err)
	}
	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	view, err := r.View("w")
	if err != nil {
		t.Fatal(err)
	}
	got, err := view.Float64s()
	if err != nil {
		t.Fatal(err)
	}
	for i := range values {
		if got[i] != values[i] {
			t.Errorf("w[%d] = %v, want %v", i, got[i], values[i])
		}
	}
}
