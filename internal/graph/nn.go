package graph

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// SoftmaxRows applies a numerically stable softmax to every row.
func (t *Tape) SoftmaxRows(a *Node) *Node {
	r, c := a.Dims()
	v := newLike(a.Value)
	ad, vd := raw(a.Value), raw(v)
	for i := 0; i < r; i++ {
		softmaxInto(vd[i*c:(i+1)*c], ad[i*c:(i+1)*c])
	}
	out := t.node(v, a)
	t.onBackward(out, func() {
		if out.Grad == nil || !a.needsGrad {
			return
		}
		g, ag := raw(out.Grad), raw(a.grad())
		for i := 0; i < r; i++ {
			y := vd[i*c : (i+1)*c]
			gy := g[i*c : (i+1)*c]
			dot := 0.0
			for j := range y {
				dot += y[j] * gy[j]
			}
			for j := range y {
				ag[i*c+j] += y[j] * (gy[j] - dot)
			}
		}
	})
	return out
}

func softmaxInto(dst, src []float64) {
	maxVal := math.Inf(-1)
	for _, x := range src {
		if x > maxVal {
			maxVal = x
		}
	}
	sum := 0.0
	for j, x := range src {
		dst[j] = math.Exp(x - maxVal)
		sum += dst[j]
	}
	for j := range dst {
		dst[j] /= sum
	}
}

// CrossEntropyFirst returns the [rows, 1] softmax cross-entropy of each row
// when column 0 holds the correct class.
func (t *Tape) CrossEntropyFirst(logits *Node) *Node {
	r, c := logits.Dims()
	probs := make([]float64, r*c)
	v := mat.NewDense(r, 1, nil)
	ld, vd := raw(logits.Value), raw(v)
	for i := 0; i < r; i++ {
		row := ld[i*c : (i+1)*c]
		softmaxInto(probs[i*c:(i+1)*c], row)
		maxVal := math.Inf(-1)
		for _, x := range row {
			maxVal = math.Max(maxVal, x)
		}
		sum := 0.0
		for _, x := range row {
			sum += math.Exp(x - maxVal)
		}
		vd[i] = maxVal + math.Log(sum) - row[0]
	}
	out := t.node(v, logits)
	t.onBackward(out, func() {
		if out.Grad == nil || !logits.needsGrad {
			return
		}
		g, lg := raw(out.Grad), raw(logits.grad())
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				d := probs[i*c+j]
				if j == 0 {
					d--
				}
				lg[i*c+j] += g[i] * d
			}
		}
	})
	return out
}

// LayerNorm normalizes every row to zero mean and unit variance, then applies
// the [1, cols] gain and shift.
func (t *Tape) LayerNorm(a, gain, shift *Node, eps float64) *Node {
	r, c := a.Dims()
	xhat := newLike(a.Value)
	inv := make([]float64, r)
	ad, xd := raw(a.Value), raw(xhat)
	for i := 0; i < r; i++ {
		row := ad[i*c : (i+1)*c]
		mean := 0.0
		for _, x := range row {
			mean += x
		}
		mean /= float64(c)
		variance := 0.0
		for _, x := range row {
			variance += (x - mean) * (x - mean)
		}
		variance /= float64(c)
		inv[i] = 1 / math.Sqrt(variance+eps)
		for j, x := range row {
			xd[i*c+j] = (x - mean) * inv[i]
		}
	}

	v := newLike(a.Value)
	vd, gd, sd := raw(v), raw(gain.Value), raw(shift.Value)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			vd[i*c+j] = xd[i*c+j]*gd[j] + sd[j]
		}
	}
	out := t.node(v, a, gain, shift)
	t.onBackward(out, func() {
		if out.Grad == nil {
			return
		}
		g := raw(out.Grad)
		if gain.needsGrad || shift.needsGrad {
			gg, sg := raw(gain.grad()), raw(shift.grad())
			for i := 0; i < r; i++ {
				for j := 0; j < c; j++ {
					gg[j] += g[i*c+j] * xd[i*c+j]
					sg[j] += g[i*c+j]
				}
			}
		}
		if !a.needsGrad {
			return
		}
		ag := raw(a.grad())
		dxhat := make([]float64, c)
		for i := 0; i < r; i++ {
			meanD, meanDX := 0.0, 0.0
			for j := 0; j < c; j++ {
				dxhat[j] = g[i*c+j] * gd[j]
				meanD += dxhat[j]
				meanDX += dxhat[j] * xd[i*c+j]
			}
			meanD /= float64(c)
			meanDX /= float64(c)
			for j := 0; j < c; j++ {
				ag[i*c+j] += inv[i] * (dxhat[j] - meanD - xd[i*c+j]*meanDX)
			}
		}
	})
	return out
}

// L2NormalizeRows scales each row to unit length; rows with a squared norm
// below eps are divided by sqrt(eps) instead.
func (t *Tape) L2NormalizeRows(a *Node, eps float64) *Node {
	r, c := a.Dims()
	v := newLike(a.Value)
	norms := make([]float64, r)
	clamped := make([]bool, r)
	ad, vd := raw(a.Value), raw(v)
	for i := 0; i < r; i++ {
		sq := 0.0
		for _, x := range ad[i*c : (i+1)*c] {
			sq += x * x
		}
		if sq < eps {
			sq = eps
			clamped[i] = true
		}
		norms[i] = math.Sqrt(sq)
		for j := 0; j < c; j++ {
			vd[i*c+j] = ad[i*c+j] / norms[i]
		}
	}
	out := t.node(v, a)
	t.onBackward(out, func() {
		if out.Grad == nil || !a.needsGrad {
			return
		}
		g, ag := raw(out.Grad), raw(a.grad())
		for i := 0; i < r; i++ {
			dot := 0.0
			if !clamped[i] {
				for j := 0; j < c; j++ {
					dot += g[i*c+j] * vd[i*c+j]
				}
			}
			for j := 0; j < c; j++ {
				ag[i*c+j] += (g[i*c+j] - vd[i*c+j]*dot) / norms[i]
			}
		}
	})
	return out
}

func tanh(x float64) float64 { return math.Tanh(x) }
