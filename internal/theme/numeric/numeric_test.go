package numeric

import "testing"

func TestIdentityMul(t *testing.T) {
	id := Identity(3)
	m := NewMatrixFrom(3, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9})
	dst := NewMatrix(3)
	Mul(dst, id, m)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if dst.At(i, j) != m.At(i, j) {
				t.Fatalf("Mul(I, m)[%d][%d] = %v, want %v", i, j, dst.At(i, j), m.At(i, j))
			}
		}
	}
}

func TestMatrixNormalize(t *testing.T) {
	m := NewMatrixFrom(2, []float64{1, 1, 1, 1})
	c := m.Normalize(1e-300)
	if c != 4 {
		t.Fatalf("Normalize returned %v, want 4", c)
	}
	if got := m.L1Norm(); got < 0.999999 || got > 1.000001 {
		t.Fatalf("L1Norm after Normalize = %v, want ~1", got)
	}
}

func TestMatrixNormalizeDegenerate(t *testing.T) {
	m := NewMatrixFrom(2, []float64{0, 0, 0, 0})
	eps := 1e-10
	c := m.Normalize(eps)
	if c != eps {
		t.Fatalf("Normalize on zero matrix returned %v, want eps %v", c, eps)
	}
	if m.L1Norm() != 0 {
		t.Fatalf("degenerate Normalize should leave matrix unscaled, L1Norm = %v", m.L1Norm())
	}
}

func TestVectorNormalize(t *testing.T) {
	v := Vector{2, 2, 4}
	c := v.Normalize(1e-300)
	if c != 8 {
		t.Fatalf("Normalize returned %v, want 8", c)
	}
	want := Vector{0.25, 0.25, 0.5}
	for i := range want {
		if v[i] != want[i] {
			t.Fatalf("v[%d] = %v, want %v", i, v[i], want[i])
		}
	}
}

func TestVectorMax(t *testing.T) {
	v := Vector{0.1, 0.7, 0.2}
	if got := v.Max(); got != 0.7 {
		t.Fatalf("Max() = %v, want 0.7", got)
	}
}

func TestMulVector(t *testing.T) {
	m := NewMatrixFrom(2, []float64{2, 0, 0, 3})
	v := Vector{1, 1}
	dst := NewVector(2)
	MulVector(dst, m, v)
	if dst[0] != 2 || dst[1] != 3 {
		t.Fatalf("MulVector = %v, want [2 3]", dst)
	}
}

func TestOnesIdentityForAccumulation(t *testing.T) {
	ones := Ones(4)
	for i, v := range ones {
		if v != 1 {
			t.Fatalf("Ones()[%d] = %v, want 1", i, v)
		}
	}
}
