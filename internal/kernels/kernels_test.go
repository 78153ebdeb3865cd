package kernels

import (
	"math"
	"testing"
)

func TestMatMulGGML(t *testing.T) {
	// weight is [outDim, inDim], so dst = input · weightᵀ
	input := []float32{
		1, 2, 3,
		4, 5, 6,
	}
	weight := []float32{
		7, 9, 11,
		8, 10, 12,
	}
	expected := []float32{58, 64, 139, 154}

	dst := make([]float32, 4)
	MatMulGGML(dst, weight, input, 2, 3, 2)

	for i, v := range expected {
		if math.Abs(float64(dst[i]-v)) > 1e-5 {
			t.Errorf("MatMulGGML: dst[%d] = %f, expected %f", i, dst[i], v)
		}
	}
}

func TestMatMulGGMLParallelMatchesNaive(t *testing.T) {
	batch, inDim, outDim := 3, 37, 300
	input := make([]float32, batch*inDim)
	weight := make([]float32, outDim*inDim)
	for i := range input {
		input[i] = float32(i%7) * 0.25
	}
	for i := range weight {
		weight[i] = float32(i%11)*0.1 - 0.5
	}

	dst := make([]float32, batch*outDim)
	MatMulGGML(dst, weight, input, batch, inDim, outDim)

	for i := 0; i < batch; i++ {
		for j := 0; j < outDim; j++ {
			var want float64
			for k := 0; k < inDim; k++ {
				want += float64(input[i*inDim+k]) * float64(weight[j*inDim+k])
			}
			if math.Abs(float64(dst[i*outDim+j])-want) > 1e-3 {
				t.Fatalf("dst[%d,%d] = %f, expected %f", i, j, dst[i*outDim+j], want)
			}
		}
	}
}

func TestAddBias(t *testing.T) {
	x := []float32{1, 2, 3, 4}
	AddBias(x, []float32{10, 20}, 2)
	expected := []float32{11, 22, 13, 24}
	for i, v := range expected {
		if x[i] != v {
			t.Errorf("AddBias: x[%d] = %f, expected %f", i, x[i], v)
		}
	}
}

func TestSoftmax(t *testing.T) {
	src := []float32{1, 2, 3, 4}
	dst := make([]float32, 4)

	Softmax(dst, src, 4)

	sum := float32(0)
	for _, v := range dst {
		sum += v
	}
	if math.Abs(float64(sum-1.0)) > 1e-5 {
		t.Errorf("Softmax sum = %f, expected 1.0", sum)
	}
	for i := 0; i < len(dst)-1; i++ {
		if dst[i] >= dst[i+1] {
			t.Errorf("Softmax not monotonic: dst[%d]=%f >= dst[%d]=%f", i, dst[i], i+1, dst[i+1])
		}
	}

	// exact reference within the polynomial's error
	var z float64
	for _, v := range src {
		z += math.Exp(float64(v))
	}
	for i, v := range src {
		want := math.Exp(float64(v)) / z
		if math.Abs(float64(dst[i])-want) > 2e-3 {
			t.Errorf("Softmax: dst[%d] = %f, expected %f", i, dst[i], want)
		}
	}
}

func TestSoftmaxMaskedEntries(t *testing.T) {
	src := []float32{0, MaskedBias, 0}
	dst := make([]float32, 3)
	Softmax(dst, src, 3)
	if dst[1] != 0 {
		t.Errorf("masked entry = %f, expected 0", dst[1])
	}
	if math.Abs(float64(dst[0]-0.5)) > 1e-6 {
		t.Errorf("dst[0] = %f, expected 0.5", dst[0])
	}
}

func TestActivations(t *testing.T) {
	src := []float32{-2, 0, 3}
	dst := make([]float32, 3)

	ReLU(dst, src, 3)
	if dst[0] != 0 || dst[1] != 0 || dst[2] != 3 {
		t.Errorf("ReLU = %v", dst)
	}

	Sigmoid(dst, src, 3)
	if math.Abs(float64(dst[1])-0.5) > 1e-6 {
		t.Errorf("Sigmoid(0) = %f, expected 0.5", dst[1])
	}

	Tanh(dst, src, 3)
	if math.Abs(float64(dst[2])-math.Tanh(3)) > 1e-6 {
		t.Errorf("Tanh(3) = %f", dst[2])
	}
}

func TestLayerNorm(t *testing.T) {
	src := []float32{1, 2, 3, 4}
	gamma := []float32{1, 1, 1, 1}
	beta := []float32{0, 0, 0, 0}
	dst := make([]float32, 4)

	LayerNorm(dst, src, gamma, beta, 1e-6)

	var mean, variance float64
	for _, v := range dst {
		mean += float64(v)
	}
	mean /= 4
	for _, v := range dst {
		variance += (float64(v) - mean) * (float64(v) - mean)
	}
	variance /= 4
	if math.Abs(mean) > 1e-5 {
		t.Errorf("LayerNorm mean = %f, expected 0", mean)
	}
	if math.Abs(variance-1) > 1e-3 {
		t.Errorf("LayerNorm variance = %f, expected 1", variance)
	}
}

func TestL2Normalize(t *testing.T) {
	v := []float32{3, 4}
	L2Normalize(v)
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Errorf("L2Normalize = %v, expected [0.6 0.8]", v)
	}

	zero := []float32{0, 0}
	L2Normalize(zero)
	if zero[0] != 0 || zero[1] != 0 {
		t.Errorf("zero vector changed: %v", zero)
	}
}

func TestMultiHeadAttentionUniformKeys(t *testing.T) {
	// identical keys give uniform weights, so each output is the mean of V
	seqLen, nHeads, headDim := 3, 2, 2
	n := seqLen * nHeads * headDim
	Q := make([]float32, n)
	K := make([]float32, n)
	V := make([]float32, n)
	for i := range Q {
		Q[i] = float32(i%3) * 0.5
		K[i] = 1
		V[i] = float32(i)
	}

	out := make([]float32, n)
	MultiHeadAttention(out, Q, K, V, seqLen, nHeads, headDim, nil, make([]float32, seqLen*seqLen))

	stride := nHeads * headDim
	for c := 0; c < stride; c++ {
		mean := (V[c] + V[stride+c] + V[2*stride+c]) / 3
		for s := 0; s < seqLen; s++ {
			if math.Abs(float64(out[s*stride+c]-mean)) > 1e-3 {
				t.Errorf("out[%d,%d] = %f, expected %f", s, c, out[s*stride+c], mean)
			}
		}
	}
}

func TestMultiHeadAttentionCausal(t *testing.T) {
	seqLen, nHeads, headDim := 3, 1, 1
	Q := []float32{1, 1, 1}
	K := []float32{1, 1, 1}
	V := []float32{6, 3, 0}
	out := make([]float32, 3)

	MultiHeadAttention(out, Q, K, V, seqLen, nHeads, headDim, CausalMask(seqLen), make([]float32, 9))

	expected := []float32{6, 4.5, 3}
	for i, v := range expected {
		if math.Abs(float64(out[i]-v)) > 1e-3 {
			t.Errorf("out[%d] = %f, expected %f", i, out[i], v)
		}
	}
}

func TestPaddingMaskHidesPaddedKeys(t *testing.T) {
	mask := PaddingMask([]float32{1, 0})
	expected := []float32{0, MaskedBias, 0, MaskedBias}
	for i, v := range expected {
		if mask[i] != v {
			t.Errorf("mask[%d] = %f, expected %f", i, mask[i], v)
		}
	}
}

func TestPooling(t *testing.T) {
	src := []float32{
		1, 2,
		3, 4,
		100, 100,
	}
	real := []float32{1, 1, 0}
	dst := make([]float32, 2)

	MaskedMeanPooling(dst, src, real, 3, 2)
	if dst[0] != 2 || dst[1] != 3 {
		t.Errorf("MaskedMeanPooling = %v, expected [2 3]", dst)
	}

	if got := LastIndex(real); got != 1 {
		t.Errorf("LastIndex = %d, expected 1", got)
	}
	if got := LastIndex([]float32{0, 0}); got != -1 {
		t.Errorf("LastIndex of padding = %d, expected -1", got)
	}

	MaskedMeanPooling(dst, src, []float32{0, 0, 0}, 3, 2)
	if dst[0] != 0 || dst[1] != 0 {
		t.Errorf("all-padding pooling = %v, expected zeros", dst)
	}
}

func TestTimingSignal(t *testing.T) {
	signal := TimingSignal(3, 4, 1, 1e4)

	// position 0: sin = 0, cos = 1
	expected0 := []float32{0, 0, 1, 1}
	for i, v := range expected0 {
		if signal[i] != v {
			t.Errorf("signal[0,%d] = %f, expected %f", i, signal[i], v)
		}
	}
	// first timescale is 1, so channel 0 at position 2 is sin(2)
	if math.Abs(float64(signal[2*4])-math.Sin(2)) > 1e-6 {
		t.Errorf("signal[2,0] = %f, expected %f", signal[8], math.Sin(2))
	}
	// second timescale is 1e-4
	if math.Abs(float64(signal[1*4+1])-math.Sin(1e-4)) > 1e-7 {
		t.Errorf("signal[1,1] = %g, expected %g", signal[5], math.Sin(1e-4))
	}

	odd := TimingSignal(2, 3, 1, 1e4)
	if odd[2] != 0 || odd[5] != 0 {
		t.Errorf("odd trailing channel not zero: %v", odd)
	}
}

func TestQ8_0RoundTrip(t *testing.T) {
	rows, cols := 2, 40
	x := make([]float32, rows*cols)
	for i := range x {
		x[i] = float32(i%9)*0.2 - 0.8
	}

	q := ParseQ8_0(EncodeQ8_0(x, rows, cols), rows, cols)
	back := q.Dequantize()
	for i := range x {
		if math.Abs(float64(back[i]-x[i])) > 0.01 {
			t.Fatalf("dequantized[%d] = %f, expected %f", i, back[i], x[i])
		}
	}
}

func TestMatMulQ8_0INT8(t *testing.T) {
	inDim, outDim := 32, 2
	weight := make([]float32, outDim*inDim)
	input := make([]float32, inDim)
	for i := range weight {
		weight[i] = float32(i%5) * 0.1
	}
	for i := range input {
		input[i] = float32(i%4) * 0.25
	}

	want := make([]float32, outDim)
	MatMulGGML(want, weight, input, 1, inDim, outDim)

	w := ParseQ8_0(EncodeQ8_0(weight, outDim, inDim), outDim, inDim)
	in := QuantizeSymmetricINT8(input, 1, inDim)
	got := make([]float32, outDim)
	MatMulQ8_0INT8(got, w, &in, 1, inDim, outDim)

	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 0.1 {
			t.Errorf("got[%d] = %f, expected %f", i, got[i], want[i])
		}
	}
}

func TestQuantizeSymmetricINT8Zero(t *testing.T) {
	q := QuantizeSymmetricINT8([]float32{0, 0, 0}, 1, 3)
	if q.Scale != 1 {
		t.Errorf("Scale = %f, expected 1", q.Scale)
	}
	for i, v := range q.Data {
		if v != 0 {
			t.Errorf("Data[%d] = %d, expected 0", i, v)
		}
	}
}
