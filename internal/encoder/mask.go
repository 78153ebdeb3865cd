package encoder

import "gonum.org/v1/gonum/mat"

// LastMask marks, per row, the last real step of mask:
// last = mask · reverse-exclusive-cumprod(1 - mask).
func LastMask(mask *mat.Dense) *mat.Dense {
	r, c := mask.Dims()
	last := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		prod := 1.0
		for t := c - 1; t >= 0; t-- {
			m := mask.At(i, t)
			last.Set(i, t, m*prod)
			prod *= 1 - m
		}
	}
	return last
}

// LastIndex returns the index of each row's last real step, or -1 for rows
// that are entirely padding.
func LastIndex(mask *mat.Dense) []int {
	last := LastMask(mask)
	r, c := last.Dims()
	idx := make([]int, r)
	for i := range idx {
		idx[i] = -1
		for t := 0; t < c; t++ {
			if last.At(i, t) > 0 {
				idx[i] = t
				break
			}
		}
	}
	return idx
}

// RealLengths returns last index + 1 per row.
func RealLengths(mask *mat.Dense) []int {
	idx := LastIndex(mask)
	for i := range idx {
		idx[i]++
	}
	return idx
}

// Column returns column t of mask as a [rows, 1] matrix.
func Column(mask *mat.Dense, t int) *mat.Dense {
	r, _ := mask.Dims()
	col := mat.NewDense(r, 1, nil)
	for i := 0; i < r; i++ {
		col.Set(i, 0, mask.At(i, t))
	}
	return col
}

// reversePicks returns, for every step t, the source step of each row when
// the real part of every sequence is reversed in place.
func reversePicks(lengths []int, steps int) [][]int {
	picks := make([][]int, steps)
	for t := range picks {
		picks[t] = make([]int, len(lengths))
		for b, n := range lengths {
			if t < n {
				picks[t][b] = n - 1 - t
			} else {
				picks[t][b] = -1
			}
		}
	}
	return picks
}
