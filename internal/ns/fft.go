package ns

import (
	"math"
	"math/cmplx"
)

// fft computes the in-place radix-2 Cooley-Tukey FFT of x, whose length
// must be a power of two. No FFT library appears anywhere in the
// retrieval pack this engine was built from, so the transform is
// implemented directly on math/cmplx rather than invented as a fake
// dependency; the original reference implementation's frame-by-frame
// O(n²) DFT was the thing this replaces.
func fft(x []complex128) {
	n := len(x)
	if n <= 1 {
		return
	}

	bitReverse(x)

	for size := 2; size <= n; size <<= 1 {
		half := size / 2
		angleStep := -2 * math.Pi / float64(size)
		for start := 0; start < n; start += size {
			for k := 0; k < half; k++ {
				w := cmplx.Rect(1, angleStep*float64(k))
				a := x[start+k]
				b := x[start+k+half] * w
				x[start+k] = a + b
				x[start+k+half] = a - b
			}
		}
	}
}

// ifft computes the in-place inverse FFT of x.
func ifft(x []complex128) {
	n := len(x)
	for i := range x {
		x[i] = cmplx.Conj(x[i])
	}
	fft(x)
	scale := 1 / float64(n)
	for i := range x {
		x[i] = cmplx.Conj(x[i]) * complex(scale, 0)
	}
}

func bitReverse(x []complex128) {
	n := len(x)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}
}
