// Package numeric provides the dense matrix and vector primitives used by
// the HMM core: square N×N transition matrices,
// length-N probability vectors, and the handful of in-place operations the
// block-parallel scan engine and Baum-Welch recurrences need (scale,
// raw L1 norm, identity, and matrix-matrix multiply into a caller-owned
// destination).
package numeric

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Matrix is a row-major dense N×N matrix, used both for the HMM's A (state
// transition) matrix and for the per-step reformulated matrices (TA_t) that
// both the forward and the backward recurrence fold.
type Matrix struct {
	N     int
	Dense *mat.Dense
}

// NewMatrix allocates a zeroed N×N matrix.
func NewMatrix(n int) *Matrix {
	return &Matrix{N: n, Dense: mat.NewDense(n, n, nil)}
}

// NewMatrixFrom wraps an existing row-major data slice (len == n*n).
func NewMatrixFrom(n int, data []float64) *Matrix {
	return &Matrix{N: n, Dense: mat.NewDense(n, n, data)}
}

// Identity returns the N×N identity matrix, the scan engine's identity
// element for matrix-product left/right scans.
func Identity(n int) *Matrix {
	m := NewMatrix(n)
	for i := 0; i < n; i++ {
		m.Dense.Set(i, i, 1)
	}
	return m
}

// At returns the (i,j) entry.
func (m *Matrix) At(i, j int) float64 { return m.Dense.At(i, j) }

// Set assigns the (i,j) entry.
func (m *Matrix) Set(i, j int, v float64) { m.Dense.Set(i, j, v) }

// CopyFrom overwrites m's entries with src's. m and src must be the same size.
func (m *Matrix) CopyFrom(src *Matrix) {
	if m.N != src.N {
		panic(fmt.Sprintf("numeric: size mismatch copying matrix: %d vs %d", m.N, src.N))
	}
	m.Dense.Copy(src.Dense)
}

// ScaleInPlace multiplies every entry of m by c.
func (m *Matrix) ScaleInPlace(c float64) {
	m.Dense.Scale(c, m.Dense)
}

// L1Norm returns the raw L1 norm of m: the sum of its entries. Transition
// and emission matrices in this package are always entrywise nonnegative, so
// this coincides with the usual L1 norm without needing an absolute value.
func (m *Matrix) L1Norm() float64 {
	sum := 0.0
	raw := m.Dense.RawMatrix().Data
	for _, v := range raw {
		sum += v
	}
	return sum
}

// Normalize rescales m in place so its L1 norm is 1, returning the
// normalization constant that was divided out (the scan engine's per-step
// scaling factor c_t). If the norm is at or below eps, Normalize leaves m
// unscaled and returns eps, signalling a numerical-degeneracy condition to
// the caller.
func (m *Matrix) Normalize(eps float64) float64 {
	norm := m.L1Norm()
	if norm <= eps {
		return eps
	}
	m.ScaleInPlace(1 / norm)
	return norm
}

// Mul computes dst = a*b, writing into the preallocated destination matrix.
// dst must not alias a or b.
func Mul(dst, a, b *Matrix) {
	if dst.N != a.N || dst.N != b.N {
		panic("numeric: size mismatch in Mul")
	}
	dst.Dense.Mul(a.Dense, b.Dense)
}

// MulVector computes dst = m*v, writing into the preallocated destination
// vector.
func MulVector(dst Vector, m *Matrix, v Vector) {
	if len(dst) != m.N || len(v) != m.N {
		panic("numeric: size mismatch in MulVector")
	}
	dv := mat.NewVecDense(len(v), []float64(v))
	out := mat.NewVecDense(len(dst), nil)
	out.MulVec(m.Dense, dv)
	for i := 0; i < len(dst); i++ {
		dst[i] = out.AtVec(i)
	}
}

// Vector is a length-N row of probabilities (π, or a single α/β column).
type Vector []float64

// NewVector allocates a zeroed length-n vector.
func NewVector(n int) Vector { return make(Vector, n) }

// Ones returns a length-n vector of all ones, the scan engine's identity
// element when accumulating column vectors via repeated matrix application.
func Ones(n int) Vector {
	v := make(Vector, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

// ScaleInPlace multiplies every entry of v by c.
func (v Vector) ScaleInPlace(c float64) {
	floats.Scale(c, v)
}

// L1Norm returns the sum of v's entries.
func (v Vector) L1Norm() float64 {
	return floats.Sum(v)
}

// Normalize rescales v in place so its entries sum to 1, returning the
// normalization constant. If the sum is at or below eps, v is left
// unscaled and eps is returned.
func (v Vector) Normalize(eps float64) float64 {
	norm := v.L1Norm()
	if norm <= eps {
		return eps
	}
	v.ScaleInPlace(1 / norm)
	return norm
}

// CopyFrom overwrites v's entries with src's. Panics on length mismatch.
func (v Vector) CopyFrom(src Vector) {
	if len(v) != len(src) {
		panic("numeric: size mismatch copying vector")
	}
	copy(v, src)
}

// Max returns the largest entry of v.
func (v Vector) Max() float64 {
	return floats.Max(v)
}
