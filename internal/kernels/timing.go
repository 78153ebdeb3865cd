package kernels

import "math"

// TimingSignal returns the [length, channels] sinusoidal position signal:
// the first half of the channels are sines and the second half cosines of
// position·1/timescale, with timescales spaced geometrically between
// minTimescale and maxTimescale. An odd trailing channel is zero.
func TimingSignal(length, channels int, minTimescale, maxTimescale float64) []float32 {
	signal := make([]float32, length*channels)
	numTimescales := channels / 2
	if numTimescales == 0 {
		return signal
	}
	logIncrement := math.Log(maxTimescale/minTimescale) / math.Max(float64(numTimescales-1), 1)
	inv := make([]float64, numTimescales)
	for i := range inv {
		inv[i] = minTimescale * math.Exp(float64(i)*-logIncrement)
	}
	for pos := 0; pos < length; pos++ {
		row := signal[pos*channels : (pos+1)*channels]
		for i, f := range inv {
			theta := float64(pos) * f
			row[i] = float32(math.Sin(theta))
			row[numTimescales+i] = float32(math.Cos(theta))
		}
	}
	return signal
}
